package soul

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/approval"
	"github.com/yumesha/kimi-cli/wire"
)

// Service is the session front door. It consumes commands from the hub
// and turns them into queued turns, cancellations, and approval
// decisions. One turn runs at a time; later inputs wait in arrival
// order.
type Service struct {
	soul *Soul
	hub  *wire.Hub
	med  *approval.Mediator
	log  *zap.Logger

	mu      sync.Mutex
	queue   []Input
	running bool
	cancel  context.CancelFunc

	turnDone chan *TurnResult
	wg       sync.WaitGroup
}

// NewService wires a soul to its hub and mediator.
func NewService(s *Soul, hub *wire.Hub, med *approval.Mediator, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		soul:     s,
		hub:      hub,
		med:      med,
		log:      log,
		turnDone: make(chan *TurnResult, 1),
	}
}

// Submit enqueues an input directly, bypassing the wire. The command
// line uses it for the initial prompt.
func (svc *Service) Submit(ctx context.Context, in Input) {
	svc.enqueue(ctx, in)
}

// Run processes commands until the hub closes or ctx is cancelled. A
// fatal turn closes the hub and returns the turn's error; every other
// shutdown returns nil or the context error.
func (svc *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			svc.cancelActive()
			if svc.med != nil {
				svc.med.CancelAll()
			}
			svc.wg.Wait()
			return ctx.Err()

		case <-svc.hub.Done():
			svc.cancelActive()
			if svc.med != nil {
				svc.med.CancelAll()
			}
			svc.wg.Wait()
			return nil

		case cmd := <-svc.hub.Commands():
			svc.handle(ctx, cmd)

		case res := <-svc.turnDone:
			if err := svc.finishTurn(ctx, res); err != nil {
				svc.wg.Wait()
				return err
			}
		}
	}
}

func (svc *Service) handle(ctx context.Context, cmd wire.Message) {
	switch cmd.Kind {
	case wire.KindUserInput:
		content, _ := cmd.Data["content"].(string)
		if strings.TrimSpace(content) == "" {
			svc.replyError(cmd, "user_input requires content")
			return
		}
		replyTo, _ := cmd.Data["reply_to"].(string)
		svc.enqueue(ctx, Input{Content: content, ReplyTo: replyTo})

	case wire.KindCancel:
		svc.log.Info("turn cancelled by command", zap.String("origin", cmd.Origin))
		svc.cancelActive()

	case wire.KindApprovalDecision:
		if svc.med == nil {
			svc.replyError(cmd, "no approval mediator for this session")
			return
		}
		svc.med.HandleDecision(cmd)
	}
}

func (svc *Service) enqueue(ctx context.Context, in Input) {
	svc.mu.Lock()
	svc.queue = append(svc.queue, in)
	svc.mu.Unlock()

	svc.startNext(ctx)
	svc.emitStatus()
}

// startNext launches the next queued turn unless one is already
// running. The turn gets its own cancellable context so cancel
// commands stay turn-scoped.
func (svc *Service) startNext(ctx context.Context) {
	svc.mu.Lock()
	if svc.running || len(svc.queue) == 0 {
		svc.mu.Unlock()
		return
	}
	in := svc.queue[0]
	svc.queue = svc.queue[1:]
	tctx, cancel := context.WithCancel(ctx)
	svc.running = true
	svc.cancel = cancel
	svc.mu.Unlock()

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		defer cancel()
		res, _ := svc.soul.RunTurn(tctx, in)
		svc.turnDone <- res
	}()
}

func (svc *Service) finishTurn(ctx context.Context, res *TurnResult) error {
	svc.mu.Lock()
	svc.running = false
	svc.cancel = nil
	svc.mu.Unlock()

	if res != nil && res.Condition == ConditionFatal {
		svc.log.Error("fatal turn, ending session", zap.Error(res.Err))
		svc.hub.Broadcast(wire.Event(wire.KindStatus, map[string]interface{}{
			"state": "fatal",
			"error": res.Err.Error(),
		}).WithAgent(svc.soul.ID()))
		svc.hub.Close()
		return res.Err
	}

	svc.startNext(ctx)
	svc.emitStatus()
	return nil
}

func (svc *Service) cancelActive() {
	svc.mu.Lock()
	cancel := svc.cancel
	svc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// emitStatus broadcasts a snapshot observers can render as a footer.
func (svc *Service) emitStatus() {
	svc.mu.Lock()
	state := "idle"
	if svc.running {
		state = "processing"
	}
	queued := len(svc.queue)
	svc.mu.Unlock()

	data := map[string]interface{}{
		"state":  state,
		"queued": queued,
		"tokens": svc.soul.Store().TokenEstimate(),
	}
	if svc.med != nil {
		data["pending_approvals"] = svc.med.PendingCount()
	}
	svc.hub.Broadcast(wire.Event(wire.KindStatus, data).WithAgent(svc.soul.ID()))
}

func (svc *Service) replyError(offending wire.Message, reason string) {
	if offending.Origin == "" {
		return
	}
	e := wire.Event(wire.KindProtocolError, map[string]interface{}{
		"reason": reason,
		"kind":   string(offending.Kind),
	})
	e.CorrelationID = offending.CorrelationID
	svc.hub.Reply(offending.Origin, e)
}
