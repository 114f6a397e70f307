package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yumesha/kimi-cli/session"
)

// sessionsCmd manages persisted sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage persisted sessions",
	RunE:  runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions, most recently used first",
	RunE:  runSessionsList,
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a session; resuming it later unarchives it",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsArchive,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsArchiveCmd)
}

func openSessionManager() (*session.Manager, error) {
	return session.NewManager(session.Config{Root: sessionRoot, Logger: logger})
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	mgr, err := openSessionManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	infos, err := mgr.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKDIR\tUPDATED\tSTATE")
	for _, info := range infos {
		state := "active"
		if info.Archived {
			state = "archived"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			info.ID, info.Workdir, info.UpdatedAt.Format("2006-01-02 15:04"), state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d\nResume with: kimi resume <session-id>\n", len(infos))
	return nil
}

func runSessionsArchive(cmd *cobra.Command, args []string) error {
	mgr, err := openSessionManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Archive(args[0]); err != nil {
		return err
	}
	fmt.Printf("Session %s archived.\n", args[0])
	return nil
}
