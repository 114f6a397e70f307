package agentspec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidSpec(t *testing.T) {
	path := writeSpec(t, t.TempDir(), `
model: kimi-k2
provider: anthropic
api_key_env: KIMI_API_KEY
system_prompt: "You are a careful reviewer."
limits:
  max_steps: 30
  token_budget: 120000
  loop_window: 6
  max_agents: 4
  requests_per_minute: 60
retry:
  max_retries: 2
  base_delay_ms: 250
  max_delay_ms: 10000
compaction:
  keep_recent: 6
  summary_max_tokens: 2048
tools:
  enabled: [list_files, read_file, write_file, run_shell]
  auto_approve: [list_files, read_file]
  restricted_paths: ["secrets/**", ".git/**"]
  shell_timeout_seconds: 90
mcp_servers:
  - name: docs
    command: mcp-docs
    args: ["--root", "."]
    env: ["DOCS_DIR=./docs"]
  - name: search
    url: "http://localhost:9999/mcp"
agents:
  - name: researcher
    model: kimi-k2
    max_steps: 20
`)

	spec, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "kimi-k2", spec.Model)
	require.Equal(t, "KIMI_API_KEY", spec.APIKeyEnv)
	require.Equal(t, 30, spec.Limits.MaxSteps)
	require.Equal(t, 120000, spec.Limits.TokenBudget)
	require.Equal(t, 250, spec.Retry.BaseDelayMS)
	require.Equal(t, []string{"secrets/**", ".git/**"}, spec.Tools.RestrictedPaths)
	require.Len(t, spec.MCPServers, 2)
	require.Equal(t, "mcp-docs", spec.MCPServers[0].Command)
	require.Equal(t, "http://localhost:9999/mcp", spec.MCPServers[1].URL)
	require.Len(t, spec.Agents, 1)
	require.Equal(t, "researcher", spec.Agents[0].Name)

	spec.Normalize()
	require.NoError(t, spec.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeSpec(t, t.TempDir(), "modle: kimi-k2\n")

	_, err := Load(path)
	require.Error(t, err)
	var fatal *FatalStartupError
	require.ErrorAs(t, err, &fatal)
	require.Contains(t, fatal.Reason, "parse")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var fatal *FatalStartupError
	require.ErrorAs(t, err, &fatal)
	require.Contains(t, fatal.Reason, "read")
}

func TestDiscoverLayersProjectOverUser(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".kimi"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".kimi", "config.yaml"),
		[]byte("model: user-model\nprovider: openai\n"), 0o644))

	workdir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, ".kimi"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, ".kimi", "config.yaml"),
		[]byte("model: project-model\n"), 0o644))

	spec, err := Discover(workdir)
	require.NoError(t, err)
	require.Equal(t, "project-model", spec.Model, "project level wins")
	require.Equal(t, "openai", spec.Provider, "unset project fields inherit the user level")
}

func TestDiscoverWithoutAnyConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	spec, err := Discover(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "", spec.Model)
}

func TestNormalizeDefaults(t *testing.T) {
	spec := &Spec{Model: "kimi-k2"}
	spec.Normalize()
	require.Equal(t, "anthropic", spec.Provider)
	require.Equal(t, 50, spec.Limits.MaxSteps)
	require.Equal(t, 8, spec.Limits.MaxAgents)
	require.Equal(t, Retry{MaxRetries: 3, BaseDelayMS: 500, MaxDelayMS: 30000}, spec.Retry)
	require.Equal(t, "kimi-k2", spec.Compaction.Model)

	given := &Spec{Model: "m", Limits: Limits{MaxSteps: 10}, Retry: Retry{MaxRetries: 1, BaseDelayMS: 100}}
	given.Normalize()
	require.Equal(t, 10, given.Limits.MaxSteps)
	require.Equal(t, 1, given.Retry.MaxRetries)
}

func TestValidateCatalog(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		want string
	}{
		{"missing model", Spec{}, "model is required"},
		{"negative steps", Spec{Model: "m", Limits: Limits{MaxSteps: -1}}, "must not be negative"},
		{"delay inversion", Spec{Model: "m", Retry: Retry{BaseDelayMS: 10000, MaxDelayMS: 100}}, "exceeds"},
		{"bad pattern", Spec{Model: "m", Tools: Tools{RestrictedPaths: []string{"["}}}, "invalid restricted path pattern"},
		{"mcp nameless", Spec{Model: "m", MCPServers: []MCPServer{{Command: "x"}}}, "name is required"},
		{"mcp no transport", Spec{Model: "m", MCPServers: []MCPServer{{Name: "a"}}}, "exactly one of command or url"},
		{"mcp both transports", Spec{Model: "m", MCPServers: []MCPServer{{Name: "a", Command: "x", URL: "http://y"}}}, "exactly one of command or url"},
		{"mcp args without command", Spec{Model: "m", MCPServers: []MCPServer{{Name: "a", URL: "http://y", Args: []string{"-v"}}}}, "args without a command"},
		{"mcp duplicate", Spec{Model: "m", MCPServers: []MCPServer{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}}, "declared twice"},
		{"agent nameless", Spec{Model: "m", Agents: []Agent{{}}}, "name is required"},
		{"agent duplicate", Spec{Model: "m", Agents: []Agent{{Name: "r"}, {Name: "r"}}}, "declared twice"},
		{"agent negative steps", Spec{Model: "m", Agents: []Agent{{Name: "r", MaxSteps: -2}}}, "must not be negative"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			require.Error(t, err)
			var fatal *FatalStartupError
			require.True(t, errors.As(err, &fatal), "validation failures are FatalStartupError")
			require.Contains(t, err.Error(), tc.want)
		})
	}

	ok := Spec{Model: "m", MCPServers: []MCPServer{{Name: "a", Command: "x", Args: []string{"-v"}}}}
	require.NoError(t, ok.Validate())
}
