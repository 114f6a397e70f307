// Package approval mediates side-effecting tool invocations: it raises
// correlated approval requests to observers, resolves them to decisions, and
// memoizes session-scoped grants.
//
// Ask is a suspend point, not a blocking call: the asking goroutine parks on
// its own decision channel while the mediator's lock only ever guards map
// mutation. N souls awaiting approval never serialize behind one another or
// behind a single observer round-trip.
package approval

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/metrics"
	"github.com/yumesha/kimi-cli/wire"
)

// RiskClass buckets tool invocations for approval purposes. Grants are
// keyed on it, so two invocations of one tool can still require separate
// approvals when their risk differs.
type RiskClass string

const (
	RiskLow    RiskClass = "low"
	RiskMedium RiskClass = "medium"
	RiskHigh   RiskClass = "high"
)

// Decision is the resolved state of an approval request.
type Decision string

const (
	ApprovedOnce       Decision = "approved_once"
	ApprovedForSession Decision = "approved_for_session"
	Denied             Decision = "denied"
	Cancelled          Decision = "cancelled"
)

// Approved reports whether the decision permits the invocation.
func (d Decision) Approved() bool {
	return d == ApprovedOnce || d == ApprovedForSession
}

// Request describes one invocation awaiting approval.
type Request struct {
	Tool    string
	Summary string
	Risk    RiskClass
	AgentID string
	TurnID  string
	Step    int
}

// GrantKey identifies a session-scoped grant: tool identity plus risk
// class, never argument contents.
type GrantKey struct {
	Tool string
	Risk RiskClass
}

type pending struct {
	req      Request
	decision chan Decision
}

// Mediator owns pending approval state and the session grant cache.
type Mediator struct {
	hub *wire.Hub
	log *zap.Logger

	mu      sync.Mutex
	waiting map[string]*pending
	grants  map[GrantKey]bool
}

// NewMediator creates a mediator publishing through the given hub.
func NewMediator(hub *wire.Hub, logger *zap.Logger) *Mediator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mediator{
		hub:     hub,
		log:     logger,
		waiting: make(map[string]*pending),
		grants:  make(map[GrantKey]bool),
	}
}

// Ask suspends the calling step until the request resolves. A session grant
// for the same GrantKey resolves immediately with no observer round-trip.
// Context cancellation resolves the request as Cancelled and returns the
// context error.
func (m *Mediator) Ask(ctx context.Context, req Request) (Decision, error) {
	key := GrantKey{Tool: req.Tool, Risk: req.Risk}

	m.mu.Lock()
	if m.grants[key] {
		m.mu.Unlock()
		metrics.Approvals.WithLabelValues(string(ApprovedForSession)).Inc()
		return ApprovedForSession, nil
	}
	id := uuid.NewString()
	p := &pending{req: req, decision: make(chan Decision, 1)}
	m.waiting[id] = p
	m.mu.Unlock()

	msg := wire.Request(wire.KindApprovalRequest, id, map[string]interface{}{
		"tool":    req.Tool,
		"summary": req.Summary,
		"risk":    string(req.Risk),
	}).WithAgent(req.AgentID).WithTurn(req.TurnID, req.Step)
	if m.hub.Broadcast(msg) == 0 {
		// Hub closed: nobody can ever answer.
		m.finish(id, Cancelled)
		return Cancelled, nil
	}

	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		m.finish(id, Cancelled)
		return Cancelled, ctx.Err()
	}
}

// HandleDecision applies an approval_decision command. The first decision
// for a correlation id wins; later or unknown ids are acknowledged with a
// protocol_error on the issuing connection and otherwise ignored.
func (m *Mediator) HandleDecision(msg wire.Message) {
	id := msg.CorrelationID
	verdict, _ := msg.Data["decision"].(string)

	var d Decision
	switch verdict {
	case "approve_once":
		d = ApprovedOnce
	case "approve_session":
		d = ApprovedForSession
	case "deny":
		d = Denied
	default:
		m.replyError(msg, "unknown approval decision "+verdict)
		return
	}

	m.mu.Lock()
	p, ok := m.waiting[id]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("stale approval decision", zap.String("correlation_id", id))
		m.replyError(msg, "stale or unknown approval correlation id")
		return
	}
	delete(m.waiting, id)
	if d == ApprovedForSession {
		m.grants[GrantKey{Tool: p.req.Tool, Risk: p.req.Risk}] = true
	}
	m.mu.Unlock()

	p.decision <- d
	m.announce(id, p.req, d)
}

// CancelTurn resolves every pending request raised under the given turn to
// Cancelled.
func (m *Mediator) CancelTurn(turnID string) {
	m.cancelWhere(func(p *pending) bool { return p.req.TurnID == turnID })
}

// CancelAll resolves every pending request to Cancelled. Used on session
// interruption.
func (m *Mediator) CancelAll() {
	m.cancelWhere(func(*pending) bool { return true })
}

// HasGrant reports whether a session grant covers the key.
func (m *Mediator) HasGrant(key GrantKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[key]
}

// PendingCount returns the number of unresolved requests.
func (m *Mediator) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

func (m *Mediator) cancelWhere(match func(*pending) bool) {
	m.mu.Lock()
	resolved := make(map[string]*pending)
	for id, p := range m.waiting {
		if match(p) {
			resolved[id] = p
			delete(m.waiting, id)
		}
	}
	m.mu.Unlock()

	for id, p := range resolved {
		p.decision <- Cancelled
		m.announce(id, p.req, Cancelled)
	}
}

// finish resolves a request without delivering to its waiter (the waiter is
// the caller). No-op when the request already resolved.
func (m *Mediator) finish(id string, d Decision) {
	m.mu.Lock()
	p, ok := m.waiting[id]
	if ok {
		delete(m.waiting, id)
	}
	m.mu.Unlock()
	if ok {
		m.announce(id, p.req, d)
	}
}

// announce tells every observer how a request resolved so dialogs retire.
func (m *Mediator) announce(id string, req Request, d Decision) {
	metrics.Approvals.WithLabelValues(string(d)).Inc()
	e := wire.Event(wire.KindApprovalResolved, map[string]interface{}{
		"tool":     req.Tool,
		"decision": string(d),
	}).WithAgent(req.AgentID).WithTurn(req.TurnID, req.Step)
	e.CorrelationID = id
	m.hub.Broadcast(e)
}

func (m *Mediator) replyError(offending wire.Message, reason string) {
	if offending.Origin == "" {
		return
	}
	e := wire.Event(wire.KindProtocolError, map[string]interface{}{
		"reason": reason,
		"kind":   string(offending.Kind),
	})
	e.CorrelationID = offending.CorrelationID
	m.hub.Reply(offending.Origin, e)
}
