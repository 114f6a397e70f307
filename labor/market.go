// Package labor runs subagents: independent souls spawned under a
// parent turn that share the parent's provider, registry, mediator and
// hub, and never outlive the turn that spawned them.
package labor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/metrics"
	"github.com/yumesha/kimi-cli/soul"
	"github.com/yumesha/kimi-cli/wire"
)

// Status is a subagent's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Spec shapes one subagent. Zero fields inherit from the parent
// runtime.
type Spec struct {
	// Name prefixes the agent id so observers can attribute events.
	Name string
	// Model overrides the parent model.
	Model string
	// SystemPrompt overrides the parent prompt.
	SystemPrompt string
	// MaxSteps caps the subagent's turn.
	MaxSteps int
}

// Handle tracks one spawned subagent. The parent-turn reference is
// non-owning; ownership flows strictly parent to child.
type Handle struct {
	ID         string
	ParentTurn string
	Spec       Spec

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	result *soul.TurnResult
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the subagent's turn result, nil while it runs.
func (h *Handle) Result() *soul.TurnResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Done is closed when the subagent finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Config bounds the market.
type Config struct {
	// MaxAgents caps concurrently running subagents. Defaults to 8.
	MaxAgents int
	// Presets are operator-declared subagent profiles, selectable by
	// name in spawn requests.
	Presets map[string]Spec
	Logger  *zap.Logger
}

// Market is the subagent arena: handles indexed by id. It implements
// soul.Reaper so a parent turn's end tears down everything it spawned.
type Market struct {
	rt  soul.Runtime
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	agents  map[string]*Handle
	running int
}

// NewMarket creates an arena whose subagents derive from the given
// runtime. Subagents get the market as their own reaper, so nested
// spawns are torn down the same way.
func NewMarket(rt soul.Runtime, cfg Config) *Market {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Market{
		rt:     rt,
		cfg:    cfg,
		log:    cfg.Logger,
		agents: make(map[string]*Handle),
	}
}

// Spawn starts a subagent under the given parent turn and runs the
// task as its single turn. The handle is live immediately; the result
// arrives through Await or Done.
func (m *Market) Spawn(ctx context.Context, spec Spec, parentTurnID, task string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if task == "" {
		return nil, fmt.Errorf("subagent task is required")
	}
	name := spec.Name
	if name == "" {
		name = "agent"
	}
	id := fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])

	m.mu.Lock()
	if m.running >= m.cfg.MaxAgents {
		limit := m.cfg.MaxAgents
		m.mu.Unlock()
		return nil, fmt.Errorf("subagent limit reached (%d running)", limit)
	}

	// The subagent's lifetime is bound to ReapTurn, not to the spawning
	// step's context: the spawn call returns immediately and the child
	// keeps running until awaited or until the parent turn ends.
	runCtx, cancel := context.WithCancel(context.Background())

	rt := m.rt
	rt.Reaper = m
	if spec.Model != "" {
		rt.Model = spec.Model
	}
	if spec.SystemPrompt != "" {
		rt.SystemPrompt = spec.SystemPrompt
	}
	if spec.MaxSteps > 0 {
		rt.Limits.MaxSteps = spec.MaxSteps
	}
	child := soul.New(id, rt)

	h := &Handle{
		ID:         id,
		ParentTurn: parentTurnID,
		Spec:       spec,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     StatusRunning,
	}
	m.agents[id] = h
	m.running++
	m.mu.Unlock()

	metrics.ActiveSubagents.Inc()
	m.broadcast(wire.Event(wire.KindAgentSpawned, map[string]interface{}{
		"agent_id":    id,
		"parent_turn": parentTurnID,
		"task":        clip(task, 200),
	}).WithAgent(id))
	m.log.Info("subagent spawned",
		zap.String("agent_id", id),
		zap.String("parent_turn", parentTurnID))

	go m.run(runCtx, h, child, task)
	return h, nil
}

func (m *Market) run(ctx context.Context, h *Handle, child *soul.Soul, task string) {
	res, err := child.RunTurn(ctx, soul.Input{Content: task})

	status := StatusCompleted
	switch {
	case err != nil:
		status = StatusFailed
	case res.Condition == soul.ConditionCancelled:
		status = StatusCancelled
	case res.Condition != soul.ConditionSuccess:
		status = StatusFailed
	}

	h.mu.Lock()
	h.status = status
	h.result = res
	h.mu.Unlock()

	m.mu.Lock()
	m.running--
	m.mu.Unlock()

	metrics.ActiveSubagents.Dec()
	m.broadcast(wire.Event(wire.KindAgentFinished, map[string]interface{}{
		"agent_id":  h.ID,
		"status":    string(status),
		"condition": string(res.Condition),
		"steps":     res.Steps,
	}).WithAgent(h.ID))
	m.log.Info("subagent finished",
		zap.String("agent_id", h.ID),
		zap.String("status", string(status)))

	// done closes last so waiters observe the final status, the freed
	// slot and the agent_finished broadcast.
	close(h.done)
}

// Await blocks until the subagent finishes or ctx ends.
func (m *Market) Await(ctx context.Context, id string) (*soul.TurnResult, error) {
	m.mu.Lock()
	h, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown subagent %s", id)
	}

	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a handle by id.
func (m *Market) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.agents[id]
	return h, ok
}

// Preset returns the operator-declared profile registered under name.
func (m *Market) Preset(name string) (Spec, bool) {
	spec, ok := m.cfg.Presets[name]
	return spec, ok
}

// Running returns the number of subagents still executing.
func (m *Market) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ReapTurn cancels and waits out every subagent spawned under the
// turn, then drops their handles. The turn engine calls this before
// emitting turn_end, so a subagent never outlives its parent turn.
// Implements soul.Reaper.
func (m *Market) ReapTurn(parentTurnID string) {
	m.mu.Lock()
	var doomed []*Handle
	for _, h := range m.agents {
		if h.ParentTurn == parentTurnID {
			doomed = append(doomed, h)
		}
	}
	m.mu.Unlock()

	for _, h := range doomed {
		h.cancel()
	}
	for _, h := range doomed {
		<-h.done
	}

	m.mu.Lock()
	for _, h := range doomed {
		delete(m.agents, h.ID)
	}
	m.mu.Unlock()
}

// CloseAll tears down every subagent. Used on session shutdown.
func (m *Market) CloseAll() {
	m.mu.Lock()
	all := make([]*Handle, 0, len(m.agents))
	for _, h := range m.agents {
		all = append(all, h)
	}
	m.agents = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range all {
		h.cancel()
	}
	for _, h := range all {
		<-h.done
	}
}

func (m *Market) broadcast(msg wire.Message) {
	if m.rt.Hub == nil {
		return
	}
	m.rt.Hub.Broadcast(msg)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
