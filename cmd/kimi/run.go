package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/agentspec"
	"github.com/yumesha/kimi-cli/approval"
	"github.com/yumesha/kimi-cli/capability"
	"github.com/yumesha/kimi-cli/history"
	"github.com/yumesha/kimi-cli/labor"
	"github.com/yumesha/kimi-cli/llm"
	"github.com/yumesha/kimi-cli/metrics"
	"github.com/yumesha/kimi-cli/session"
	"github.com/yumesha/kimi-cli/soul"
	"github.com/yumesha/kimi-cli/wire"
)

// rootAgentID stamps the session's primary agent on wire messages.
// Subagents get generated ids like "researcher-1a2b3c4d".
const rootAgentID = "root"

// mcpConnectTimeout bounds the handshake and tool listing per server.
const mcpConnectTimeout = 30 * time.Second

// runCmd starts or reopens the session for a working directory
var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Serve the session for the working directory",
	Long: `Opens the session bound to the working directory, creating it on first
use, and serves it on stdin/stdout. A prompt given as arguments is
submitted as the first turn; without one the session waits for the
front end's user_input commands.`,
	Args: cobra.ArbitraryArgs,
	RunE: startRun,
}

// resumeCmd reopens a persisted session by id
var resumeCmd = &cobra.Command{
	Use:   "resume <session-id> [prompt...]",
	Short: "Resume a persisted session by id",
	Long: `Reopens a persisted session: the conversation history is rebuilt from
its context log and event numbering continues where it stopped, so a
front end can replay across the restart. Resuming an archived session
unarchives it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: startResume,
}

func startRun(cmd *cobra.Command, args []string) error {
	dir, err := resolveWorkdir()
	if err != nil {
		return err
	}
	spec, err := loadSpec(dir)
	if err != nil {
		return err
	}

	root := sessionRoot
	if root == "" {
		root = spec.SessionRoot
	}
	mgr, err := session.NewManager(session.Config{Root: root, Logger: logger})
	if err != nil {
		return err
	}
	defer mgr.Close()

	sess, err := mgr.Open(dir)
	if err != nil {
		return err
	}
	defer sess.Close()

	return serve(spec, sess, strings.TrimSpace(strings.Join(args, " ")))
}

func startResume(cmd *cobra.Command, args []string) error {
	mgr, err := session.NewManager(session.Config{Root: sessionRoot, Logger: logger})
	if err != nil {
		return err
	}
	defer mgr.Close()

	sess, err := mgr.Resume(args[0])
	if err != nil {
		return err
	}
	defer sess.Close()

	// The spec follows the session's own working directory, not the
	// directory kimi was invoked from.
	spec, err := loadSpec(sess.Workdir)
	if err != nil {
		return err
	}

	return serve(spec, sess, strings.TrimSpace(strings.Join(args[1:], " ")))
}

// serve wires one session end to end and blocks until the front end
// disconnects, the operator interrupts, or a fatal turn ends it.
func serve(spec *agentspec.Spec, sess *session.Session, prompt string) error {
	log := logger.With(zap.String("session_id", sess.ID))

	store, err := sess.History()
	if err != nil {
		return err
	}

	hub := wire.NewHub(wire.HubConfig{
		SessionID: sess.ID,
		Record:    sess.RecordEvent,
		Logger:    log,
	})
	defer hub.Close()

	// Continue event numbering where the previous process stopped, so
	// replay_from stays contiguous across restarts.
	past, err := sess.TailEvents(1024)
	if err != nil {
		return err
	}
	hub.Seed(past)

	provider, err := buildProvider(spec)
	if err != nil {
		return err
	}
	client := llm.NewClient(llm.WithProvider(provider))
	defer client.Close()
	prov, err := client.Resolve("")
	if err != nil {
		return err
	}

	retry := llm.DefaultRetryPolicy()
	retry.MaxRetries = spec.Retry.MaxRetries
	retry.BaseDelay = time.Duration(spec.Retry.BaseDelayMS) * time.Millisecond
	retry.MaxDelay = time.Duration(spec.Retry.MaxDelayMS) * time.Millisecond

	reg := capability.NewRegistry()
	capability.RegisterBuiltins(reg, capability.BuiltinConfig{
		ShellTimeout: time.Duration(spec.Tools.ShellTimeoutSeconds) * time.Second,
	})
	guard, err := capability.NewPathGuard(spec.Tools.RestrictedPaths)
	if err != nil {
		return err
	}
	reg.SetPathGuard(guard)

	var mcpSources []*capability.MCPSource
	defer func() {
		for _, src := range mcpSources {
			_ = src.Close()
		}
	}()
	for _, srv := range spec.MCPServers {
		src, err := mountMCP(srv, reg, log)
		if err != nil {
			log.Warn("skipping mcp server", zap.String("name", srv.Name), zap.Error(err))
			continue
		}
		mcpSources = append(mcpSources, src)
	}

	if metricsAddr != "" {
		shutdown := serveMetrics(metricsAddr, log)
		defer shutdown()
	}

	med := approval.NewMediator(hub, log)
	compactor := history.NewCompactor(prov, history.CompactorConfig{
		Model:      spec.Compaction.Model,
		KeepRecent: spec.Compaction.KeepRecent,
		MaxTokens:  spec.Compaction.SummaryMaxTokens,
		Retry:      retry,
		Logger:     log,
	})

	rt := soul.Runtime{
		Provider:     prov,
		Registry:     reg,
		Mediator:     med,
		Hub:          hub,
		Compactor:    compactor,
		Log:          log,
		Model:        spec.Model,
		SystemPrompt: agentspec.BuildSystemPrompt(spec, sess.Workdir),
		Workdir:      sess.Workdir,
		Retry:        retry,
		Limits: soul.Limits{
			MaxSteps:    spec.Limits.MaxSteps,
			TokenBudget: spec.Limits.TokenBudget,
			LoopWindow:  spec.Limits.LoopWindow,
		},
	}

	presets := make(map[string]labor.Spec, len(spec.Agents))
	for _, a := range spec.Agents {
		presets[a.Name] = labor.Spec{
			Name:         a.Name,
			Model:        a.Model,
			SystemPrompt: a.SystemPrompt,
			MaxSteps:     a.MaxSteps,
		}
	}
	market := labor.NewMarket(rt, labor.Config{
		MaxAgents: spec.Limits.MaxAgents,
		Presets:   presets,
		Logger:    log,
	})
	defer market.CloseAll()
	rt.Reaper = market

	labor.RegisterLaborCapabilities(reg, market)
	applyToolPolicy(reg, spec.Tools, log)

	root := soul.NewWithStore(rootAgentID, rt, store)
	svc := soul.NewService(root, hub, med, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Stdout carries the protocol; stdin closing means the front end
	// went away and the process should wind down, not idle forever.
	stdin := newEOFNotifier(os.Stdin)
	hub.Attach(wire.NewStreamTransport(stdin, os.Stdout))
	go func() {
		select {
		case <-stdin.eof:
			log.Info("front end disconnected")
			cancel()
		case <-ctx.Done():
		}
	}()

	if prompt != "" {
		svc.Submit(ctx, soul.Input{Content: prompt})
	}

	log.Info("session serving",
		zap.String("workdir", sess.Workdir),
		zap.String("model", spec.Model),
		zap.Int("tools", reg.Count()))

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func resolveWorkdir() (string, error) {
	dir := workdir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	return filepath.Abs(dir)
}

// loadSpec loads the agent spec, applies flag overrides, and validates.
// A violation refuses startup before any turn runs.
func loadSpec(dir string) (*agentspec.Spec, error) {
	var (
		spec *agentspec.Spec
		err  error
	)
	if specPath != "" {
		spec, err = agentspec.Load(specPath)
	} else {
		spec, err = agentspec.Discover(dir)
	}
	if err != nil {
		return nil, err
	}
	if modelFlag != "" {
		spec.Model = modelFlag
	}
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// buildProvider constructs the completion provider the spec names and
// wraps it with the request pacer when a rate limit is configured.
func buildProvider(spec *agentspec.Spec) (llm.Provider, error) {
	key := apiKey
	if key == "" && spec.APIKeyEnv != "" {
		key = os.Getenv(spec.APIKeyEnv)
	}
	if key == "" {
		key = os.Getenv(defaultKeyEnv(spec.Provider))
	}

	var provider llm.Provider
	switch spec.Provider {
	case "anthropic":
		provider = llm.NewAnthropicProvider(key, spec.Model)
	default:
		p, err := llm.NewGollmProvider(spec.Provider, llm.WithAPIKey(key), llm.WithModel(spec.Model))
		if err != nil {
			return nil, err
		}
		provider = p
	}

	if rpm := spec.Limits.RequestsPerMinute; rpm > 0 {
		provider = llm.Pace(provider, float64(rpm)/60, 1)
	}
	return provider, nil
}

func defaultKeyEnv(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}

// mountMCP connects one MCP server and registers its tools. The context
// bounds the handshake and listing only; the session lives on.
func mountMCP(srv agentspec.MCPServer, reg *capability.Registry, log *zap.Logger) (*capability.MCPSource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mcpConnectTimeout)
	defer cancel()

	src, err := capability.ConnectMCP(ctx, capability.MCPConfig{
		Name:    srv.Name,
		Command: srv.Command,
		Args:    srv.Args,
		Env:     srv.Env,
		URL:     srv.URL,
	}, log)
	if err != nil {
		return nil, err
	}
	if _, err := src.Mount(ctx, reg); err != nil {
		_ = src.Close()
		return nil, err
	}
	return src, nil
}

// applyToolPolicy narrows the registry to the enabled set and lifts the
// approval requirement from auto-approved tools. It runs after every
// source has registered, so the policy covers builtin, MCP and labor
// capabilities alike.
func applyToolPolicy(reg *capability.Registry, tools agentspec.Tools, log *zap.Logger) {
	if len(tools.Enabled) > 0 {
		allowed := make(map[string]bool, len(tools.Enabled))
		for _, name := range tools.Enabled {
			allowed[name] = true
		}
		for _, name := range reg.Names() {
			if !allowed[name] {
				reg.Unregister(name)
			}
		}
	}
	for _, name := range tools.AutoApprove {
		c, err := reg.Get(name)
		if err != nil {
			log.Warn("auto_approve names an unknown tool", zap.String("tool", name))
			continue
		}
		c.Meta.RequiresApproval = false
		reg.Register(c)
	}
}

// serveMetrics exposes the Prometheus registry and returns a shutdown
// function.
func serveMetrics(addr string, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// eofNotifier flags end of input so the serve loop can observe the
// front end hanging up.
type eofNotifier struct {
	r    io.Reader
	once sync.Once
	eof  chan struct{}
}

func newEOFNotifier(r io.Reader) *eofNotifier {
	return &eofNotifier{r: r, eof: make(chan struct{})}
}

func (n *eofNotifier) Read(p []byte) (int, error) {
	m, err := n.r.Read(p)
	if err != nil && errors.Is(err, io.EOF) {
		n.once.Do(func() { close(n.eof) })
	}
	return m, err
}
