package soul

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/approval"
	"github.com/yumesha/kimi-cli/capability"
	"github.com/yumesha/kimi-cli/llm"
	"github.com/yumesha/kimi-cli/wire"
)

// startService brings up the full front door: hub, mediator, soul, and
// a running Service loop. The returned error channel yields Run's
// result once.
func startService(t *testing.T, limits Limits, script ...llm.ScriptedCompletion) (*rig, *Service, chan error) {
	t.Helper()
	hub := wire.NewHub(wire.HubConfig{SessionID: "svc-test"})
	t.Cleanup(hub.Close)

	med := approval.NewMediator(hub, nil)
	reg := capability.NewRegistry()
	capability.RegisterBuiltins(reg, capability.BuiltinConfig{})
	provider := llm.NewScriptedProvider(script...)
	workdir := t.TempDir()

	s := New("root", Runtime{
		Provider: provider,
		Registry: reg,
		Mediator: med,
		Hub:      hub,
		Model:    "kimi-k2",
		Workdir:  workdir,
		Retry:    llm.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		Limits:   limits,
	})
	svc := NewService(s, hub, med, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	runDone := make(chan struct{})
	go func() {
		errs <- svc.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
			t.Error("service loop did not stop")
		}
	})

	r := &rig{hub: hub, med: med, reg: reg, provider: provider, workdir: workdir}
	r.obs = newObserver(t, hub)
	return r, svc, errs
}

func (o *observer) sendInput(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, o.tr.Send(wire.Command(wire.KindUserInput, map[string]interface{}{"content": content})))
}

func TestServiceRunsInputsInOrder(t *testing.T) {
	r, _, _ := startService(t, Limits{},
		llm.TextCompletion("first answer"),
		llm.TextCompletion("second answer"),
	)

	r.obs.sendInput(t, "one")
	r.obs.sendInput(t, "two")

	b1 := r.obs.nextOfKind(t, wire.KindTurnBegin)
	e1 := r.obs.nextOfKind(t, wire.KindTurnEnd)
	b2 := r.obs.nextOfKind(t, wire.KindTurnBegin)
	e2 := r.obs.nextOfKind(t, wire.KindTurnEnd)

	require.Equal(t, b1.TurnID, e1.TurnID)
	require.Equal(t, b2.TurnID, e2.TurnID)
	require.NotEqual(t, b1.TurnID, b2.TurnID)
	require.Equal(t, "success", e1.Data["condition"])
	require.Equal(t, "success", e2.Data["condition"])

	reqs := r.provider.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "one", reqs[0].Messages[0].Content)
}

func TestServiceStatusReflectsQueue(t *testing.T) {
	r, _, _ := startService(t, Limits{}, llm.TextCompletion("hi"))

	r.obs.sendInput(t, "hello")
	r.obs.nextOfKind(t, wire.KindTurnEnd)

	status := r.obs.nextOfKind(t, wire.KindStatus)
	require.Equal(t, "idle", status.Data["state"])
	require.Equal(t, 0, status.Data["queued"])
}

func TestServiceCancelCommand(t *testing.T) {
	r, _, _ := startService(t, Limits{},
		llm.ToolCallCompletion(call("c1", "block", `{}`)),
		llm.TextCompletion("back to work"),
	)
	r.reg.Register(capability.Capability{
		Def:  capability.Definition{Name: "block", Description: "waits for cancellation"},
		Meta: capability.Metadata{Risk: approval.RiskLow},
		Exec: func(ctx context.Context, _ capability.Invocation, _ json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	r.obs.sendInput(t, "run the blocker")
	r.obs.nextOfKind(t, wire.KindToolCallBegin)

	require.NoError(t, r.obs.tr.Send(wire.Command(wire.KindCancel, nil)))
	end := r.obs.nextOfKind(t, wire.KindTurnEnd)
	require.Equal(t, "cancelled", end.Data["condition"])

	// The session survives a cancelled turn.
	r.obs.sendInput(t, "and now?")
	end = r.obs.nextOfKind(t, wire.KindTurnEnd)
	require.Equal(t, "success", end.Data["condition"])
}

func TestServiceRejectsEmptyInput(t *testing.T) {
	r, _, _ := startService(t, Limits{})

	require.NoError(t, r.obs.tr.Send(wire.Command(wire.KindUserInput, map[string]interface{}{"content": "   "})))
	perr := r.obs.nextOfKind(t, wire.KindProtocolError)
	reason, _ := perr.Data["reason"].(string)
	require.Contains(t, reason, "content")
}

func TestServiceRoutesApprovalDecisions(t *testing.T) {
	r, _, _ := startService(t, Limits{},
		llm.ToolCallCompletion(call("c1", "write_file", `{"file_path":"ok.txt","content":"yes"}`)),
		llm.TextCompletion("written"),
	)

	r.obs.sendInput(t, "write ok.txt")
	req := r.obs.nextOfKind(t, wire.KindApprovalRequest)
	r.obs.decide(t, req.CorrelationID, "approve_once")

	end := r.obs.nextOfKind(t, wire.KindTurnEnd)
	require.Equal(t, "success", end.Data["condition"])

	content, err := os.ReadFile(filepath.Join(r.workdir, "ok.txt"))
	require.NoError(t, err)
	require.Equal(t, "yes", string(content))
}

func TestServiceFatalTurnEndsSession(t *testing.T) {
	badKey := &llm.ProviderError{Provider: "scripted", StatusCode: 401, Message: "bad api key", Retryable: false}
	r, _, errs := startService(t, Limits{}, llm.ErrCompletion(badKey))

	r.obs.sendInput(t, "go")

	end := r.obs.nextOfKind(t, wire.KindTurnEnd)
	require.Equal(t, "fatal", end.Data["condition"])
	r.obs.nextOfKind(t, wire.KindSessionEnd)

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "bad api key")
	case <-time.After(5 * time.Second):
		t.Fatal("service loop did not return after a fatal turn")
	}
}

func TestServiceSubmitDirect(t *testing.T) {
	r, svc, _ := startService(t, Limits{}, llm.TextCompletion("direct answer"))

	svc.Submit(context.Background(), Input{Content: "initial prompt"})

	end := r.obs.nextOfKind(t, wire.KindTurnEnd)
	require.Equal(t, "success", end.Data["condition"])
	require.Equal(t, 1, r.provider.Calls())
}
