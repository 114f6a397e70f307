// Command kimi runs a coding agent session over a newline-delimited
// JSON protocol on stdin/stdout. Front ends drive it with user_input,
// cancel and approval_decision commands and render the event stream.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose     bool
	workdir     string
	specPath    string
	modelFlag   string
	apiKey      string
	sessionRoot string
	metricsAddr string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kimi",
	Short: "Kimi CLI - a coding agent for your terminal",
	Long: `kimi serves a coding agent session over newline-delimited JSON on
stdin/stdout. A front end (TUI, editor plugin, or another process)
drives it with user_input, cancel and approval_decision commands and
renders the events it emits. Logs go to stderr; stdout carries only
the protocol.

Sessions persist per working directory and can be resumed:

  kimi run "add tests for the parser"    start in the current directory
  kimi sessions list                     show what can be resumed
  kimi resume 1a2b3c4d5e6f7a8b           pick up where you left off`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: serve a session for the working directory
		// and wait for the front end's first command.
		return startRun(cmd, nil)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workdir, "workdir", "w", "", "Working directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&specPath, "spec", "", "Agent spec file (default: layered .kimi/config.yaml discovery)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Override the spec's model")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Provider API key (default: the env var the spec names)")
	rootCmd.PersistentFlags().StringVar(&sessionRoot, "session-root", "", "Session storage root (default: ~/.kimi/sessions)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
