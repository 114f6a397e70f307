package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/agentspec"
	"github.com/yumesha/kimi-cli/capability"
	"github.com/yumesha/kimi-cli/llm"
	"github.com/yumesha/kimi-cli/session"
)

func TestLoadSpecDiscoversAndOverrides(t *testing.T) {
	logger = zap.NewNop()
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".kimi"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".kimi", "config.yaml"), []byte(
		"model: kimi-k2\nprovider: anthropic\nlimits:\n  max_steps: 12\n"), 0o644))

	modelFlag = "kimi-k2-turbo"
	defer func() { modelFlag = "" }()

	spec, err := loadSpec(dir)
	require.NoError(t, err)
	require.Equal(t, "kimi-k2-turbo", spec.Model)
	require.Equal(t, 12, spec.Limits.MaxSteps)
	require.Equal(t, 8, spec.Limits.MaxAgents)
	// The compaction model follows the overridden model.
	require.Equal(t, "kimi-k2-turbo", spec.Compaction.Model)
}

func TestLoadSpecRefusesInvalidSpec(t *testing.T) {
	logger = zap.NewNop()

	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: kimi-k2\nlimits:\n  max_steps: -1\n"), 0o644))

	specPath = path
	defer func() { specPath = "" }()

	_, err := loadSpec(t.TempDir())
	var fatal *agentspec.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	require.Contains(t, fatal.Reason, "max_steps")
}

func TestBuildProviderPacing(t *testing.T) {
	apiKey = "test-key"
	defer func() { apiKey = "" }()

	spec := &agentspec.Spec{Model: "kimi-k2", Provider: "anthropic"}
	p, err := buildProvider(spec)
	require.NoError(t, err)
	require.IsType(t, &llm.AnthropicProvider{}, p)
	require.Equal(t, "anthropic", p.Name())

	spec.Limits.RequestsPerMinute = 120
	p, err = buildProvider(spec)
	require.NoError(t, err)
	require.IsType(t, &llm.Paced{}, p)
	require.Equal(t, "anthropic", p.Name())
}

func TestDefaultKeyEnv(t *testing.T) {
	require.Equal(t, "ANTHROPIC_API_KEY", defaultKeyEnv("anthropic"))
	require.Equal(t, "OPENROUTER_API_KEY", defaultKeyEnv("openrouter"))
	require.Equal(t, "Z_AI_API_KEY", defaultKeyEnv("z-ai"))
}

func TestApplyToolPolicy(t *testing.T) {
	logger = zap.NewNop()

	reg := capability.NewRegistry()
	capability.RegisterBuiltins(reg, capability.BuiltinConfig{})
	require.Contains(t, reg.Names(), "write_file")

	shell, err := reg.Get("run_shell")
	require.NoError(t, err)
	require.True(t, shell.Meta.RequiresApproval)

	applyToolPolicy(reg, agentspec.Tools{
		Enabled:     []string{"read_file", "run_shell"},
		AutoApprove: []string{"run_shell", "no_such_tool"},
	}, logger)

	require.ElementsMatch(t, []string{"read_file", "run_shell"}, reg.Names())

	shell, err = reg.Get("run_shell")
	require.NoError(t, err)
	require.False(t, shell.Meta.RequiresApproval)
}

func TestSessionsCommands(t *testing.T) {
	logger = zap.NewNop()
	sessionRoot = t.TempDir()
	defer func() { sessionRoot = "" }()

	mgr, err := openSessionManager()
	require.NoError(t, err)
	sess, err := mgr.Open(t.TempDir())
	require.NoError(t, err)
	id := sess.ID
	require.NoError(t, sess.Close())
	require.NoError(t, mgr.Close())

	require.NoError(t, runSessionsList(nil, nil))
	require.NoError(t, runSessionsArchive(nil, []string{id}))

	err = runSessionsArchive(nil, []string{"0000000000000000"})
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEOFNotifierSignalsOnce(t *testing.T) {
	n := newEOFNotifier(strings.NewReader("hi"))

	buf := make([]byte, 8)
	for {
		_, err := n.Read(buf)
		if err != nil {
			require.True(t, errors.Is(err, io.EOF))
			break
		}
	}

	select {
	case <-n.eof:
	default:
		t.Fatal("eof channel not closed after EOF")
	}

	// Reading past EOF must not panic on a second close.
	_, err := n.Read(buf)
	require.True(t, errors.Is(err, io.EOF))
}
