package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClientResolveDefault(t *testing.T) {
	p := NewScriptedProvider()
	c := NewClient(WithProvider(p))

	got, err := c.Resolve("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != p {
		t.Error("expected the sole provider to be the default")
	}
}

func TestClientResolveNamed(t *testing.T) {
	a := &ScriptedProvider{ProviderName: "alpha"}
	b := &ScriptedProvider{ProviderName: "beta"}
	c := NewClient(WithProvider(a), WithProvider(b), WithDefaultProvider("alpha"))

	got, err := c.Resolve("beta")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != "beta" {
		t.Errorf("resolved %q, want beta", got.Name())
	}

	got, err = c.Resolve("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != "alpha" {
		t.Errorf("default resolved %q, want alpha", got.Name())
	}
}

func TestClientResolveMissing(t *testing.T) {
	c := NewClient()
	_, err := c.Resolve("")
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	c.Register(&ScriptedProvider{ProviderName: "only"})
	_, err = c.Resolve("ghost")
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for unknown name, got %v", err)
	}
}

func TestGenerateAccumulates(t *testing.T) {
	p := NewScriptedProvider(TextCompletion("summary text"))
	resp, err := Generate(context.Background(), p, DefaultRetryPolicy(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "summary text" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestGenerateRetriesEmptyResponse(t *testing.T) {
	p := NewScriptedProvider(
		ScriptedCompletion{Events: []StreamEvent{{Type: EventDone, StopReason: "stop"}}},
		TextCompletion("eventually"),
	)
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}

	resp, err := Generate(context.Background(), p, policy, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "eventually" {
		t.Errorf("text = %q", resp.Text)
	}
	if p.Calls() != 2 {
		t.Errorf("expected 2 provider calls, got %d", p.Calls())
	}
}

func TestGenerateSurfacesPermanentError(t *testing.T) {
	p := NewScriptedProvider(ErrCompletion(&ProviderError{Provider: "scripted", StatusCode: 401, Message: "no key"}))
	_, err := Generate(context.Background(), p, DefaultRetryPolicy(), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if p.Calls() != 1 {
		t.Errorf("expected a single call, got %d", p.Calls())
	}
}

func TestScriptedProviderRecordsRequests(t *testing.T) {
	p := NewScriptedProvider(TextCompletion("one"), TextCompletion("two"))
	_, _ = Generate(context.Background(), p, DefaultRetryPolicy(), Request{Model: "first"})
	_, _ = Generate(context.Background(), p, DefaultRetryPolicy(), Request{Model: "second"})

	reqs := p.Requests()
	if len(reqs) != 2 || reqs[0].Model != "first" || reqs[1].Model != "second" {
		t.Errorf("requests = %+v", reqs)
	}
}
