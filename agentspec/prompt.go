package agentspec

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

// projectDocNames are the instruction files discovered for the prompt, in
// load order per directory.
var projectDocNames = []string{"AGENTS.md", "KIMI.md"}

// DefaultSystemPrompt is the preamble used when the spec carries none.
const DefaultSystemPrompt = `You are Kimi, a coding agent operating in the user's terminal. Work on the task with the tools you are given: inspect the project before editing, keep changes small and consistent with the surrounding code, and state what you changed when you finish. Never invent file contents you have not read.`

// BuildSystemPrompt composes the runtime system prompt: the spec preamble
// (or the default), the environment block, and any discovered project docs.
func BuildSystemPrompt(spec *Spec, workdir string) string {
	preamble := DefaultSystemPrompt
	if spec != nil && spec.SystemPrompt != "" {
		preamble = spec.SystemPrompt
	}
	model := ""
	if spec != nil {
		model = spec.Model
	}

	sections := []string{preamble, EnvironmentContext(workdir, model)}
	if docs := DiscoverProjectDocs(workdir); docs != "" {
		sections = append(sections, "Project instructions:\n\n"+docs)
	}
	return strings.Join(sections, "\n\n")
}

// EnvironmentContext renders the structured environment block.
func EnvironmentContext(workdir, model string) string {
	isRepo := isGitRepository(workdir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workdir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isRepo)
	if isRepo {
		if branch := gitBranch(workdir); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads project instruction files from the git root (or
// the working directory when not in a repo) down to the working directory,
// ancestors first, capped at 32KB total.
func DiscoverProjectDocs(workdir string) string {
	root := gitRoot(workdir)
	if root == "" {
		root = workdir
	}

	var docs []string
	totalBytes := 0
	for _, dir := range collectPathHierarchy(root, workdir) {
		for _, name := range projectDocNames {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}

			remaining := maxProjectDocBytes - totalBytes
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}

			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}

			header := fmt.Sprintf("# %s (from %s)", name, dir)
			docs = append(docs, header+"\n\n"+text)
			totalBytes += len(text)
		}
	}

	if len(docs) == 0 {
		return ""
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns the directories from root to target,
// inclusive. A target outside root yields just the root.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return []string{root}
	}

	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}

	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	out, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func gitRoot(dir string) string {
	out, err := runGit(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func gitBranch(dir string) string {
	out, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}
