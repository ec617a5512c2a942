package policy_test

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domlink/dbopen"
	"github.com/hazyhaar/domlink/relay/internal/policy"
)

func newGuard(t *testing.T, opts policy.Options) *policy.Guard {
	t.Helper()
	db := dbopen.OpenMemory(t)
	g := policy.New(db, opts)
	if err := g.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return g
}

func TestAllowCommandDefaultAllow(t *testing.T) {
	g := newGuard(t, policy.Options{})
	if err := g.AllowCommand(context.Background(), "ctx_a", "click"); err != nil {
		t.Fatalf("expected default allow, got %v", err)
	}
}

func TestAllowCommandDenyRule(t *testing.T) {
	g := newGuard(t, policy.Options{})
	ctx := context.Background()
	if err := g.SetRule(ctx, "ctx_a", "navigate", false); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if err := g.AllowCommand(ctx, "ctx_a", "navigate"); !errors.Is(err, policy.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	// Other commands on the same context stay allowed.
	if err := g.AllowCommand(ctx, "ctx_a", "click"); err != nil {
		t.Fatalf("unrelated command denied: %v", err)
	}
	// Other contexts unaffected.
	if err := g.AllowCommand(ctx, "ctx_b", "navigate"); err != nil {
		t.Fatalf("other context denied: %v", err)
	}
}

func TestAllowCommandGlobalWildcard(t *testing.T) {
	g := newGuard(t, policy.Options{})
	ctx := context.Background()
	if err := g.SetRule(ctx, "", "*", false); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if err := g.AllowCommand(ctx, "ctx_a", "scroll"); !errors.Is(err, policy.ErrNotAllowed) {
		t.Fatalf("expected global deny, got %v", err)
	}
	// A specific per-context allow overrides the global deny.
	if err := g.SetRule(ctx, "ctx_a", "scroll", true); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if err := g.AllowCommand(ctx, "ctx_a", "scroll"); err != nil {
		t.Fatalf("specific allow should win: %v", err)
	}
}

func TestAllowEventBudget(t *testing.T) {
	g := newGuard(t, policy.Options{EventsPerMinute: 3})
	for i := 0; i < 3; i++ {
		if err := g.AllowEvent("ctx_a"); err != nil {
			t.Fatalf("event %d rejected: %v", i, err)
		}
	}
	if err := g.AllowEvent("ctx_a"); !errors.Is(err, policy.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	// Budgets are per context.
	if err := g.AllowEvent("ctx_b"); err != nil {
		t.Fatalf("other context rejected: %v", err)
	}
}

func TestAllowInFlight(t *testing.T) {
	g := newGuard(t, policy.Options{MaxInFlight: 2})
	if err := g.AllowInFlight(0); err != nil {
		t.Fatalf("0 pending rejected: %v", err)
	}
	if err := g.AllowInFlight(1); err != nil {
		t.Fatalf("1 pending rejected: %v", err)
	}
	if err := g.AllowInFlight(2); !errors.Is(err, policy.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited at cap, got %v", err)
	}
}

func TestForgetResetsBudget(t *testing.T) {
	g := newGuard(t, policy.Options{EventsPerMinute: 1})
	if err := g.AllowEvent("ctx_a"); err != nil {
		t.Fatalf("first event rejected: %v", err)
	}
	if err := g.AllowEvent("ctx_a"); !errors.Is(err, policy.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	g.Forget("ctx_a")
	if err := g.AllowEvent("ctx_a"); err != nil {
		t.Fatalf("event after Forget rejected: %v", err)
	}
}
