package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/yumesha/kimi-cli/approval"
)

// BuiltinConfig bounds the builtin tool set.
type BuiltinConfig struct {
	// ShellTimeout is the per-command budget when the model supplies none.
	ShellTimeout time.Duration
	// ShellMaxTimeout caps model-supplied timeouts.
	ShellMaxTimeout time.Duration
}

func (c BuiltinConfig) withDefaults() BuiltinConfig {
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = 2 * time.Minute
	}
	if c.ShellMaxTimeout <= 0 {
		c.ShellMaxTimeout = 10 * time.Minute
	}
	return c
}

// RegisterBuiltins registers the core tool set on a Registry. All file
// operations are contained to the invocation's working directory.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) {
	cfg = cfg.withDefaults()
	reg.Register(listFilesCapability())
	reg.Register(readFileCapability())
	reg.Register(writeFileCapability())
	reg.Register(runShellCapability(cfg))
}

// resolveWithin joins path against the invocation workdir and rejects
// anything that escapes it.
func resolveWithin(workdir, path string) (string, error) {
	if workdir == "" {
		return "", fmt.Errorf("invocation has no working directory")
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workdir, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(workdir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the working directory", path)
	}
	return resolved, nil
}

func listFilesCapability() Capability {
	return Capability{
		Def: Definition{
			Name:        "list_files",
			Description: "List the entries of a directory inside the working directory. Directories are suffixed with a slash.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"path": {
						Type:        "string",
						Description: "Directory to list, relative to the working directory. Default: the working directory itself.",
					},
				},
			},
		},
		Meta: Metadata{Risk: approval.RiskLow, Parallel: true},
		Exec: func(ctx context.Context, inv Invocation, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			path, _ := StringArg(args, "path")
			if path == "" {
				path = "."
			}
			resolved, err := resolveWithin(inv.Workdir, path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(resolved)
			if err != nil {
				return "", fmt.Errorf("list_files: %w", err)
			}
			if len(entries) == 0 {
				return "Directory is empty.", nil
			}
			var sb strings.Builder
			for _, entry := range entries {
				if entry.IsDir() {
					fmt.Fprintf(&sb, "%s/\n", entry.Name())
					continue
				}
				size := int64(0)
				if info, err := entry.Info(); err == nil {
					size = info.Size()
				}
				fmt.Fprintf(&sb, "%s (%d bytes)\n", entry.Name(), size)
			}
			return sb.String(), nil
		},
	}
}

func readFileCapability() Capability {
	return Capability{
		Def: Definition{
			Name:        "read_file",
			Description: "Read a file from the working directory. Returns line-numbered content.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"file_path": {
						Type:        "string",
						Description: "Path of the file to read, relative to the working directory.",
					},
					"offset": {
						Type:        "integer",
						Description: "1-based line number to start reading from.",
					},
					"limit": {
						Type:        "integer",
						Description: "Maximum number of lines to read. Default: 2000.",
					},
				},
				Required: []string{"file_path"},
			},
		},
		Meta: Metadata{Risk: approval.RiskLow, Parallel: true},
		Exec: func(ctx context.Context, inv Invocation, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			path, ok := StringArg(args, "file_path")
			if !ok || path == "" {
				return "", fmt.Errorf("file_path is required")
			}
			offset, _ := IntArg(args, "offset")
			limit, _ := IntArg(args, "limit")
			if limit <= 0 {
				limit = 2000
			}
			resolved, err := resolveWithin(inv.Workdir, path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return "", fmt.Errorf("read_file: %w", err)
			}
			return numberLines(string(data), offset, limit), nil
		},
	}
}

// numberLines renders content as "N | line" rows honoring a 1-based
// offset and a line cap.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(content, "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String()
}

func writeFileCapability() Capability {
	return Capability{
		Def: Definition{
			Name:        "write_file",
			Description: "Write content to a file inside the working directory. Creates the file and parent directories if needed.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"file_path": {
						Type:        "string",
						Description: "Path to write to, relative to the working directory.",
					},
					"content": {
						Type:        "string",
						Description: "The full file content to write.",
					},
				},
				Required: []string{"file_path", "content"},
			},
		},
		Meta: Metadata{RequiresApproval: true, Risk: approval.RiskMedium},
		Exec: func(ctx context.Context, inv Invocation, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			path, ok := StringArg(args, "file_path")
			if !ok || path == "" {
				return "", fmt.Errorf("file_path is required")
			}
			content, ok := StringArg(args, "content")
			if !ok {
				return "", fmt.Errorf("content is required")
			}
			resolved, err := resolveWithin(inv.Workdir, path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
				return "", fmt.Errorf("write_file: %w", err)
			}
			if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
				return "", fmt.Errorf("write_file: %w", err)
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func runShellCapability(cfg BuiltinConfig) Capability {
	return Capability{
		Def: Definition{
			Name:        "run_shell",
			Description: "Execute a shell command in the working directory. Returns stdout, stderr, and exit code.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"command": {
						Type:        "string",
						Description: "The command to run.",
					},
					"timeout_ms": {
						Type:        "integer",
						Description: "Override the default command timeout in milliseconds.",
					},
					"description": {
						Type:        "string",
						Description: "Human-readable description of what this command does.",
					},
				},
				Required: []string{"command"},
			},
		},
		Meta: Metadata{RequiresApproval: true, Risk: approval.RiskHigh},
		Exec: func(ctx context.Context, inv Invocation, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			command, ok := StringArg(args, "command")
			if !ok || command == "" {
				return "", fmt.Errorf("command is required")
			}
			timeout := cfg.ShellTimeout
			if ms, ok := IntArg(args, "timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if timeout > cfg.ShellMaxTimeout {
				timeout = cfg.ShellMaxTimeout
			}

			result, err := runCommand(ctx, command, inv.Workdir, timeout)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %s. Partial output is shown above.\n"+
					"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeout)
			}
			if result.ExitCode != 0 && !result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return sb.String(), nil
		},
	}
}
