// Package agentspec loads and validates the YAML agent specification: the
// model, budgets and limits, tool policy, MCP servers and fixed subagents a
// session runs with. The engine treats the loaded Spec as opaque
// configuration; cmd/kimi maps it onto runtime values.
package agentspec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// FatalStartupError reports a specification problem. The CLI refuses to
// start a session over one; no turn runs against a bad spec.
type FatalStartupError struct {
	Path   string
	Reason string
}

func (e *FatalStartupError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid agent spec: %s", e.Reason)
	}
	return fmt.Sprintf("invalid agent spec (%s): %s", e.Path, e.Reason)
}

func fatalf(path, format string, args ...interface{}) *FatalStartupError {
	return &FatalStartupError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Spec is the full agent specification.
type Spec struct {
	Model        string `yaml:"model"`
	Provider     string `yaml:"provider"`
	APIKeyEnv    string `yaml:"api_key_env"`
	SystemPrompt string `yaml:"system_prompt"`
	SessionRoot  string `yaml:"session_root"`

	Limits     Limits      `yaml:"limits"`
	Retry      Retry       `yaml:"retry"`
	Compaction Compaction  `yaml:"compaction"`
	Tools      Tools       `yaml:"tools"`
	MCPServers []MCPServer `yaml:"mcp_servers"`
	Agents     []Agent     `yaml:"agents"`
}

// Limits bounds a session's turns and concurrency.
type Limits struct {
	MaxSteps          int `yaml:"max_steps"`
	TokenBudget       int `yaml:"token_budget"`
	LoopWindow        int `yaml:"loop_window"`
	MaxAgents         int `yaml:"max_agents"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Retry shapes the provider retry policy.
type Retry struct {
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// Compaction configures history summarization.
type Compaction struct {
	Model            string `yaml:"model"`
	KeepRecent       int    `yaml:"keep_recent"`
	SummaryMaxTokens int    `yaml:"summary_max_tokens"`
}

// Tools is the tool policy: which capabilities are exposed, which skip
// approval, and which path zones escalate risk.
type Tools struct {
	Enabled             []string `yaml:"enabled"`
	AutoApprove         []string `yaml:"auto_approve"`
	RestrictedPaths     []string `yaml:"restricted_paths"`
	ShellTimeoutSeconds int      `yaml:"shell_timeout_seconds"`
}

// MCPServer names one MCP tool source: a stdio subprocess (Command) or a
// streamable HTTP endpoint (URL).
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	URL     string   `yaml:"url"`
}

// Agent declares a fixed subagent.
type Agent struct {
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxSteps     int    `yaml:"max_steps"`
}

// Load reads and decodes exactly one spec file. Unknown YAML keys are
// startup errors; a typo in a tool policy should never pass silently.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fatalf(path, "read: %v", err)
	}
	spec := &Spec{}
	if err := decodeInto(path, data, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// Discover loads the layered configuration for a working directory:
// ~/.kimi/config.yaml first, then <workdir>/.kimi/config.yaml on top, the
// project level overriding the user level field by field. Missing files are
// fine; the zero Spec with flag overrides is a valid starting point.
func Discover(workdir string) (*Spec, error) {
	spec := &Spec{}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".kimi", "config.yaml")
		if data, err := os.ReadFile(userPath); err == nil {
			if err := decodeInto(userPath, data, spec); err != nil {
				return nil, err
			}
		}
	}

	projectPath := filepath.Join(workdir, ".kimi", "config.yaml")
	if data, err := os.ReadFile(projectPath); err == nil {
		if err := decodeInto(projectPath, data, spec); err != nil {
			return nil, err
		}
	}

	return spec, nil
}

func decodeInto(path string, data []byte, spec *Spec) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fatalf(path, "parse: %v", err)
	}
	return nil
}

// Normalize fills defaults. Call it after flag overrides, before Validate.
func (s *Spec) Normalize() {
	if s.Provider == "" {
		s.Provider = "anthropic"
	}
	if s.Limits.MaxSteps == 0 {
		s.Limits.MaxSteps = 50
	}
	if s.Limits.MaxAgents == 0 {
		s.Limits.MaxAgents = 8
	}
	if s.Retry.MaxRetries == 0 && s.Retry.BaseDelayMS == 0 {
		s.Retry = Retry{MaxRetries: 3, BaseDelayMS: 500, MaxDelayMS: 30000}
	}
	if s.Compaction.Model == "" {
		s.Compaction.Model = s.Model
	}
}

// Validate checks the whole spec. Any violation is a FatalStartupError.
func (s *Spec) Validate() error {
	if s.Model == "" {
		return fatalf("", "model is required")
	}

	counts := []struct {
		name string
		v    int
	}{
		{"limits.max_steps", s.Limits.MaxSteps},
		{"limits.token_budget", s.Limits.TokenBudget},
		{"limits.loop_window", s.Limits.LoopWindow},
		{"limits.max_agents", s.Limits.MaxAgents},
		{"limits.requests_per_minute", s.Limits.RequestsPerMinute},
		{"retry.max_retries", s.Retry.MaxRetries},
		{"retry.base_delay_ms", s.Retry.BaseDelayMS},
		{"retry.max_delay_ms", s.Retry.MaxDelayMS},
		{"compaction.keep_recent", s.Compaction.KeepRecent},
		{"compaction.summary_max_tokens", s.Compaction.SummaryMaxTokens},
		{"tools.shell_timeout_seconds", s.Tools.ShellTimeoutSeconds},
	}
	for _, c := range counts {
		if c.v < 0 {
			return fatalf("", "%s must not be negative, got %d", c.name, c.v)
		}
	}

	if s.Retry.MaxDelayMS > 0 && s.Retry.BaseDelayMS > s.Retry.MaxDelayMS {
		return fatalf("", "retry.base_delay_ms %d exceeds retry.max_delay_ms %d",
			s.Retry.BaseDelayMS, s.Retry.MaxDelayMS)
	}

	for _, pattern := range s.Tools.RestrictedPaths {
		if !doublestar.ValidatePattern(pattern) {
			return fatalf("", "invalid restricted path pattern %q", pattern)
		}
	}

	seenServers := make(map[string]bool)
	for i, srv := range s.MCPServers {
		if srv.Name == "" {
			return fatalf("", "mcp_servers[%d]: name is required", i)
		}
		if seenServers[srv.Name] {
			return fatalf("", "mcp server %q declared twice", srv.Name)
		}
		seenServers[srv.Name] = true
		hasCommand := srv.Command != ""
		hasURL := srv.URL != ""
		if hasCommand == hasURL {
			return fatalf("", "mcp server %q needs exactly one of command or url", srv.Name)
		}
		if !hasCommand && len(srv.Args) > 0 {
			return fatalf("", "mcp server %q sets args without a command", srv.Name)
		}
	}

	seenAgents := make(map[string]bool)
	for i, agent := range s.Agents {
		if agent.Name == "" {
			return fatalf("", "agents[%d]: name is required", i)
		}
		if seenAgents[agent.Name] {
			return fatalf("", "agent %q declared twice", agent.Name)
		}
		seenAgents[agent.Name] = true
		if agent.MaxSteps < 0 {
			return fatalf("", "agent %q: max_steps must not be negative", agent.Name)
		}
	}

	return nil
}
