// Package soul drives turns: it owns the step loop that alternates
// between streaming completions and tool execution until the model
// stops asking for tools or a limit ends the turn.
//
// One Soul is one agent. It serializes turns over a single history
// store and reports everything it does on the wire hub, so any number
// of observers can render the same session.
package soul

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yumesha/kimi-cli/approval"
	"github.com/yumesha/kimi-cli/capability"
	"github.com/yumesha/kimi-cli/history"
	"github.com/yumesha/kimi-cli/llm"
	"github.com/yumesha/kimi-cli/metrics"
	"github.com/yumesha/kimi-cli/wire"
)

// Condition classifies how a turn ended.
type Condition string

const (
	// ConditionSuccess: the model produced a final text answer.
	ConditionSuccess Condition = "success"
	// ConditionStepLimit: the per-turn step cap was reached.
	ConditionStepLimit Condition = "step_limit"
	// ConditionRetryLimit: transient provider failures outlasted the
	// retry budget.
	ConditionRetryLimit Condition = "retry_limit"
	// ConditionCancelled: the turn context was cancelled mid-flight.
	ConditionCancelled Condition = "cancelled"
	// ConditionLoopDetected: the model repeated identical tool calls.
	ConditionLoopDetected Condition = "loop_detected"
	// ConditionFatal: a non-recoverable failure; the session should end.
	ConditionFatal Condition = "fatal"
)

// Limits bounds a single turn.
type Limits struct {
	// MaxSteps caps completion steps per turn. Defaults to 50.
	MaxSteps int
	// TokenBudget triggers pre-step compaction when the history
	// estimate exceeds it. Zero disables compaction.
	TokenBudget int
	// LoopWindow is how many recent tool calls the loop guard
	// inspects. Zero disables the guard.
	LoopWindow int
	// ToolCharLimits and ToolLineLimits override the built-in
	// per-tool output caps.
	ToolCharLimits map[string]int
	ToolLineLimits map[string]int
}

func (l Limits) withDefaults() Limits {
	if l.MaxSteps <= 0 {
		l.MaxSteps = 50
	}
	return l
}

// Reaper cancels and waits out the subagents spawned under a turn.
// The labor market implements it; a soul without one runs standalone.
type Reaper interface {
	ReapTurn(parentTurnID string)
}

// Runtime bundles the services a soul executes against. Provider,
// Registry and Hub are required; the rest degrade gracefully when nil.
type Runtime struct {
	Provider  llm.Provider
	Registry  *capability.Registry
	Mediator  *approval.Mediator
	Hub       *wire.Hub
	Reaper    Reaper
	Compactor *history.Compactor
	Log       *zap.Logger

	Model        string
	SystemPrompt string
	Workdir      string
	Retry        llm.RetryPolicy
	Limits       Limits
}

// Input is one user message entering a turn.
type Input struct {
	Content string
	// ReplyTo optionally names the checkpoint this message answers.
	ReplyTo string
}

// TurnResult reports how a turn ended.
type TurnResult struct {
	TurnID    string
	Condition Condition
	Steps     int
	// Output is the final assistant text on success.
	Output string
	Usage  llm.Usage
	// Err is set when Condition is ConditionFatal.
	Err error
}

// Soul is one agent: a history store plus the runtime it runs against.
// A mutex admits one turn at a time, so steps never interleave.
type Soul struct {
	id    string
	rt    Runtime
	store *history.Store
	log   *zap.Logger

	mu sync.Mutex
}

// New creates a soul with a fresh history store.
func New(id string, rt Runtime) *Soul {
	return NewWithStore(id, rt, history.NewStore())
}

// NewWithStore creates a soul over an existing store, as when resuming
// a persisted session.
func NewWithStore(id string, rt Runtime, store *history.Store) *Soul {
	if rt.Log == nil {
		rt.Log = zap.NewNop()
	}
	if rt.Retry.MaxRetries == 0 && rt.Retry.BaseDelay == 0 {
		rt.Retry = llm.DefaultRetryPolicy()
	}
	rt.Limits = rt.Limits.withDefaults()
	return &Soul{
		id:    id,
		rt:    rt,
		store: store,
		log:   rt.Log.With(zap.String("agent_id", id)),
	}
}

// ID returns the agent id stamped on every message this soul emits.
func (s *Soul) ID() string { return s.id }

// Store exposes the underlying history store.
func (s *Soul) Store() *history.Store { return s.store }

// RunTurn drives one full turn for the given input. It always returns
// a result; the error is non-nil only for ConditionFatal. Cancelling
// ctx ends the turn with ConditionCancelled after synthesizing results
// for any outstanding tool calls.
func (s *Soul) RunTurn(ctx context.Context, in Input) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turnID := uuid.NewString()
	res := &TurnResult{TurnID: turnID, Condition: ConditionSuccess}
	log := s.log.With(zap.String("turn_id", turnID))

	cp := s.store.AddCheckpoint(checkpointLabel(in.Content), clip(in.Content, 400))
	s.emit(wire.Event(wire.KindTurnBegin, map[string]interface{}{
		"checkpoint": cp.ID,
		"input":      clip(in.Content, 200),
	}).WithTurn(turnID, 0))

	defer func() {
		if s.rt.Reaper != nil {
			s.rt.Reaper.ReapTurn(turnID)
		}
		metrics.TurnsTotal.WithLabelValues(string(res.Condition)).Inc()
		s.emit(wire.Event(wire.KindTurnEnd, map[string]interface{}{
			"condition": string(res.Condition),
			"steps":     res.Steps,
		}).WithTurn(turnID, res.Steps))
		log.Info("turn ended",
			zap.String("condition", string(res.Condition)),
			zap.Int("steps", res.Steps))
	}()

	if err := s.store.Append(history.NewUserEntry(in.Content, in.ReplyTo)); err != nil {
		return s.fatal(res, fmt.Errorf("append user message: %w", err))
	}
	userData := map[string]interface{}{"content": in.Content}
	if in.ReplyTo != "" {
		userData["reply_to"] = in.ReplyTo
	}
	s.emit(wire.Event(wire.KindUserMessage, userData).WithTurn(turnID, 0))

	for {
		if ctx.Err() != nil {
			s.synthesizeCancelled(turnID, res.Steps)
			res.Condition = ConditionCancelled
			return res, nil
		}
		if res.Steps >= s.rt.Limits.MaxSteps {
			log.Warn("step limit reached", zap.Int("max_steps", s.rt.Limits.MaxSteps))
			res.Condition = ConditionStepLimit
			return res, nil
		}
		res.Steps++
		step := res.Steps

		s.maybeCompact(ctx, turnID, step)

		resp, exhausted, err := s.streamCompletion(ctx, turnID, step)
		if err != nil {
			if ctx.Err() != nil {
				s.synthesizeCancelled(turnID, step)
				res.Condition = ConditionCancelled
				return res, nil
			}
			if exhausted {
				log.Warn("provider retries exhausted", zap.Error(err))
				res.Condition = ConditionRetryLimit
				return res, nil
			}
			return s.fatal(res, fmt.Errorf("completion failed: %w", err))
		}
		res.Usage = res.Usage.Add(resp.Usage)
		metrics.StepsTotal.Inc()

		entry := history.NewAssistantEntry(resp.Text, resp.Reasoning, resp.ToolCalls, resp.Usage)
		if err := s.store.Append(entry); err != nil {
			return s.fatal(res, fmt.Errorf("append assistant message: %w", err))
		}

		if len(resp.ToolCalls) == 0 {
			res.Output = resp.Text
			res.Condition = ConditionSuccess
			return res, nil
		}

		if s.rt.Limits.LoopWindow > 0 && DetectLoop(s.store.Snapshot(), s.rt.Limits.LoopWindow) {
			log.Warn("tool call loop detected", zap.Int("window", s.rt.Limits.LoopWindow))
			s.skipCalls(turnID, step, resp.ToolCalls,
				"tool call skipped: the same call is repeating without progress")
			res.Condition = ConditionLoopDetected
			return res, nil
		}

		for _, r := range s.executeCalls(ctx, turnID, step, resp.ToolCalls) {
			if err := s.store.Append(r); err != nil {
				return s.fatal(res, fmt.Errorf("append tool result: %w", err))
			}
		}

		if ctx.Err() != nil {
			s.synthesizeCancelled(turnID, step)
			res.Condition = ConditionCancelled
			return res, nil
		}
	}
}

func (s *Soul) fatal(res *TurnResult, err error) (*TurnResult, error) {
	s.log.Error("turn failed", zap.Error(err))
	res.Condition = ConditionFatal
	res.Err = err
	return res, err
}

// emit stamps the agent id and broadcasts. Safe without a hub, which
// only happens in embedded use.
func (s *Soul) emit(m wire.Message) {
	if s.rt.Hub == nil {
		return
	}
	s.rt.Hub.Broadcast(m.WithAgent(s.id))
}

// maybeCompact shrinks the history before a step when it is over
// budget. Compaction failures are logged and the step proceeds with
// the full history.
func (s *Soul) maybeCompact(ctx context.Context, turnID string, step int) {
	budget := s.rt.Limits.TokenBudget
	if budget <= 0 || s.rt.Compactor == nil || s.store.TokenEstimate() <= budget {
		return
	}
	res, err := s.rt.Compactor.Compact(ctx, s.store, budget)
	if err != nil {
		s.log.Warn("compaction failed", zap.Error(err))
		return
	}
	if !res.Compacted {
		return
	}
	metrics.Compactions.Inc()
	s.emit(wire.Event(wire.KindCompaction, map[string]interface{}{
		"covered":       res.Covered,
		"tokens_before": res.TokensBefore,
		"tokens_after":  res.TokensAfter,
	}).WithTurn(turnID, step))
}

// streamCompletion requests one completion, forwarding text and
// reasoning deltas to the hub as they stream. Transient failures retry
// under the runtime policy, announcing each retry on the wire. The
// second return reports whether the retry budget ran out.
func (s *Soul) streamCompletion(ctx context.Context, turnID string, step int) (*llm.Response, bool, error) {
	req := llm.Request{
		Model:    s.rt.Model,
		System:   s.rt.SystemPrompt,
		Messages: history.Messages(s.store.Snapshot()),
		Tools:    s.toolDefs(),
	}

	for attempt := 0; ; attempt++ {
		resp, err := s.streamOnce(ctx, turnID, step, attempt, req)
		if err == nil {
			return resp, false, nil
		}
		if ctx.Err() != nil || !llm.IsRetryable(err) {
			return nil, false, err
		}
		if attempt >= s.rt.Retry.MaxRetries {
			return nil, true, err
		}
		delay, ok := s.rt.Retry.DelayFor(err, attempt)
		if !ok {
			return nil, true, err
		}

		metrics.ProviderRetries.Inc()
		s.emit(wire.Event(wire.KindProviderRetry, map[string]interface{}{
			"attempt":  attempt + 1,
			"error":    err.Error(),
			"delay_ms": delay.Milliseconds(),
		}).WithTurn(turnID, step))
		s.log.Warn("retrying completion",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Soul) streamOnce(ctx context.Context, turnID string, step, attempt int, req llm.Request) (*llm.Response, error) {
	stream, err := s.rt.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var acc llm.Accumulator
	for ev := range stream {
		switch ev.Type {
		case llm.EventTextDelta:
			s.emit(wire.Event(wire.KindTextDelta, map[string]interface{}{
				"text":    ev.Text,
				"attempt": attempt,
			}).WithTurn(turnID, step))
		case llm.EventReasoningDelta:
			s.emit(wire.Event(wire.KindReasoningDelta, map[string]interface{}{
				"reasoning": ev.Reasoning,
				"attempt":   attempt,
			}).WithTurn(turnID, step))
		}
		acc.Add(ev)
	}
	return acc.Response(s.rt.Provider.Name())
}

func (s *Soul) toolDefs() []llm.ToolDefinition {
	if s.rt.Registry == nil {
		return nil
	}
	defs := s.rt.Registry.Definitions()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  schemaMap(def.Schema),
		})
	}
	return out
}

// schemaMap flattens a JSON Schema into the map shape providers take.
func schemaMap(schema *jsonschema.Schema) map[string]interface{} {
	fallback := map[string]interface{}{"type": "object"}
	if schema == nil {
		return fallback
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fallback
	}
	return m
}

// executeCalls runs one step's tool calls: sequentially by default, or
// concurrently when every call resolves to a Parallel capability.
// Results come back in request order either way.
func (s *Soul) executeCalls(ctx context.Context, turnID string, step int, calls []llm.ToolCall) []history.Entry {
	results := make([]history.Entry, len(calls))

	if s.allParallel(calls) {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			i, call := i, call
			g.Go(func() error {
				results[i] = s.executeOne(gctx, turnID, step, call)
				return nil
			})
		}
		_ = g.Wait()
		return results
	}

	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = s.cancelCall(turnID, step, call)
			continue
		}
		results[i] = s.executeOne(ctx, turnID, step, call)
	}
	return results
}

func (s *Soul) allParallel(calls []llm.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	for _, call := range calls {
		c, err := s.rt.Registry.Get(call.Name)
		if err != nil || !c.Meta.Parallel {
			return false
		}
	}
	return true
}

// executeOne runs the full pipeline for a single call: lookup,
// approval, execution, truncation. It never returns an execution error
// to the step loop; failures become error results the model can read.
func (s *Soul) executeOne(ctx context.Context, turnID string, step int, call llm.ToolCall) history.Entry {
	s.emit(wire.Event(wire.KindToolCallBegin, map[string]interface{}{
		"call_id":   call.ID,
		"tool":      call.Name,
		"arguments": string(call.Arguments),
	}).WithTurn(turnID, step))

	c, err := s.rt.Registry.Get(call.Name)
	if err != nil {
		return s.failCall(turnID, step, call, "unknown", fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	meta := s.rt.Registry.EffectiveMeta(c, call.Arguments)
	if meta.RequiresApproval && s.rt.Mediator != nil {
		decision, err := s.rt.Mediator.Ask(ctx, approval.Request{
			Tool:    call.Name,
			Summary: callSummary(call),
			Risk:    meta.Risk,
			AgentID: s.id,
			TurnID:  turnID,
			Step:    step,
		})
		if err != nil || decision == approval.Cancelled {
			return s.cancelCall(turnID, step, call)
		}
		if !decision.Approved() {
			return s.failCall(turnID, step, call, "denied",
				fmt.Sprintf("Tool call denied by the user: %s", call.Name))
		}
	}

	inv := capability.Invocation{Workdir: s.rt.Workdir, AgentID: s.id, TurnID: turnID, Step: step}
	out, err := c.Exec(ctx, inv, call.Arguments)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelCall(turnID, step, call)
		}
		return s.failCall(turnID, step, call, "error", fmt.Sprintf("Tool error (%s): %v", call.Name, err))
	}

	// The event carries the full output; only the history entry the
	// model re-reads is truncated.
	s.emit(wire.Event(wire.KindToolCallEnd, map[string]interface{}{
		"call_id": call.ID,
		"tool":    call.Name,
		"output":  out,
	}).WithTurn(turnID, step))
	metrics.ToolExecutions.WithLabelValues(call.Name, "ok").Inc()

	truncated := TruncateToolOutput(out, call.Name, s.rt.Limits.ToolCharLimits, s.rt.Limits.ToolLineLimits)
	return history.NewToolResultEntry(call.ID, call.Name, truncated, false)
}

func (s *Soul) failCall(turnID string, step int, call llm.ToolCall, outcome, msg string) history.Entry {
	s.emit(wire.Event(wire.KindToolCallEnd, map[string]interface{}{
		"call_id": call.ID,
		"tool":    call.Name,
		"error":   msg,
	}).WithTurn(turnID, step))
	metrics.ToolExecutions.WithLabelValues(call.Name, outcome).Inc()
	return history.NewToolResultEntry(call.ID, call.Name, msg, true)
}

func (s *Soul) cancelCall(turnID string, step int, call llm.ToolCall) history.Entry {
	s.emit(wire.Event(wire.KindToolCallEnd, map[string]interface{}{
		"call_id":   call.ID,
		"tool":      call.Name,
		"cancelled": true,
	}).WithTurn(turnID, step))
	metrics.ToolExecutions.WithLabelValues(call.Name, "cancelled").Inc()
	return history.NewCancelledToolResult(call.ID, call.Name)
}

// skipCalls resolves a step's calls without executing them, as when
// the loop guard trips.
func (s *Soul) skipCalls(turnID string, step int, calls []llm.ToolCall, reason string) {
	for _, call := range calls {
		if err := s.store.Append(history.NewToolResultEntry(call.ID, call.Name, reason, true)); err != nil {
			s.log.Error("skip tool call", zap.Error(err))
			continue
		}
		s.emit(wire.Event(wire.KindToolCallEnd, map[string]interface{}{
			"call_id": call.ID,
			"tool":    call.Name,
			"error":   reason,
		}).WithTurn(turnID, step))
		metrics.ToolExecutions.WithLabelValues(call.Name, "skipped").Inc()
	}
}

// synthesizeCancelled resolves every pending call in the store so a
// cancelled turn still leaves a well-formed history.
func (s *Soul) synthesizeCancelled(turnID string, step int) {
	for id, tool := range s.store.PendingCalls() {
		if err := s.store.Append(history.NewCancelledToolResult(id, tool)); err != nil {
			s.log.Error("synthesize cancelled result", zap.Error(err))
			continue
		}
		s.emit(wire.Event(wire.KindToolCallEnd, map[string]interface{}{
			"call_id":   id,
			"tool":      tool,
			"cancelled": true,
		}).WithTurn(turnID, step))
		metrics.ToolExecutions.WithLabelValues(tool, "cancelled").Inc()
	}
}

// callSummary renders the short description approval prompts show.
func callSummary(call llm.ToolCall) string {
	args := clip(strings.TrimSpace(string(call.Arguments)), 160)
	if args == "" || args == "{}" {
		return call.Name
	}
	return call.Name + " " + args
}

func checkpointLabel(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return clip(strings.TrimSpace(line), 80)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
