package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domlink/dbopen"
	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/relay"
	"github.com/hazyhaar/domlink/relay/internal/policy"
)

func newService(t *testing.T, opts relay.Options) *relay.Service {
	t.Helper()
	db := dbopen.OpenMemory(t)
	svc := relay.New(db, opts)
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return svc
}

func snapshotEvent(ref string, version uint64) protocol.Event {
	return protocol.Event{
		ContextRef: ref,
		Type:       protocol.EventStateSnapshot,
		Timestamp:  time.Now().UnixMilli(),
		Seq:        version,
		Snapshot: &protocol.Snapshot{
			Version:   version,
			Timestamp: time.Now().UnixMilli(),
			URL:       "https://app.example/orders",
			Route:     &protocol.RegionRef{TypeID: "route:orders", InstanceID: "r1"},
			View:      &protocol.RegionRef{TypeID: "view:order-list", InstanceID: "v1"},
			Panels:    []protocol.RegionRef{},
		},
	}
}

func TestHandleEventSnapshot(t *testing.T) {
	svc := newService(t, relay.Options{})
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	snap, err := svc.State(ctx, "ctx_a")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if snap.Version != 1 || snap.Route.TypeID != "route:orders" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	list, err := svc.Contexts(ctx)
	if err != nil {
		t.Fatalf("contexts: %v", err)
	}
	if len(list) != 1 || list[0].Ref != "ctx_a" {
		t.Fatalf("unexpected context list: %+v", list)
	}
}

func TestHandleEventRejectsInvalid(t *testing.T) {
	svc := newService(t, relay.Options{})
	ctx := context.Background()

	cases := []protocol.Event{
		{Type: protocol.EventClick},                              // no context ref
		{ContextRef: "ctx_a", Type: "bogus"},                     // unknown type
		{ContextRef: "ctx_a", Type: protocol.EventStateSnapshot}, // snapshot without payload
		{ContextRef: "ctx_a", Type: protocol.EventCommandResult}, // result without payload
	}
	for i, ev := range cases {
		if err := svc.HandleEvent(ctx, ev); !errors.Is(err, relay.ErrInvalidEvent) {
			t.Fatalf("case %d: expected ErrInvalidEvent, got %v", i, err)
		}
	}
}

func TestDuplicateSnapshotTolerated(t *testing.T) {
	svc := newService(t, relay.Options{})
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 2)); err != nil {
		t.Fatalf("first: %v", err)
	}
	// Redelivered duplicate must not error and must not regress state.
	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 2)); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	snap, err := svc.State(ctx, "ctx_a")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}
}

func TestCommandLifecycle(t *testing.T) {
	svc := newService(t, relay.Options{})
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cmd := protocol.Command{
		RequestID:  "req-1",
		Command:    protocol.CmdClick,
		ContextRef: "ctx_a",
		Target:     protocol.Target{TypeID: "view:order-list", Selector: "[data-agent-action=submit]"},
	}
	prior, err := svc.Enqueue(ctx, cmd)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if prior != nil {
		t.Fatalf("fresh enqueue returned a prior result: %+v", prior)
	}

	claimed, err := svc.Claim(ctx, "ctx_a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].RequestID != "req-1" {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	res := protocol.CommandResult{RequestID: "req-1", OK: true, ResultingStateVersion: 2}
	ack := protocol.Event{
		ContextRef: "ctx_a",
		Type:       protocol.EventCommandResult,
		Timestamp:  time.Now().UnixMilli(),
		Result:     &res,
	}
	if err := svc.HandleEvent(ctx, ack); err != nil {
		t.Fatalf("ack: %v", err)
	}

	got, found, err := svc.Result(ctx, "ctx_a", "req-1")
	if err != nil || !found {
		t.Fatalf("result: found=%v err=%v", found, err)
	}
	if !got.OK || got.ResultingStateVersion != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}

	// Replaying the request ID returns the stored result without queuing.
	prior, err = svc.Enqueue(ctx, cmd)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if prior == nil || prior.RequestID != "req-1" || !prior.OK {
		t.Fatalf("replay did not return stored result: %+v", prior)
	}
	claimed, err = svc.Claim(ctx, "ctx_a")
	if err != nil {
		t.Fatalf("claim after replay: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("replay queued a command: %+v", claimed)
	}
}

func TestEnqueueUnknownContext(t *testing.T) {
	svc := newService(t, relay.Options{})
	_, err := svc.Enqueue(context.Background(), protocol.Command{
		RequestID: "req-1", Command: protocol.CmdClick, ContextRef: "ctx_ghost",
	})
	if !errors.Is(err, relay.ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
}

func TestEnqueuePolicyDeny(t *testing.T) {
	svc := newService(t, relay.Options{})
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := svc.SetPolicyRule(ctx, "ctx_a", "navigate", false); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	_, err := svc.Enqueue(ctx, protocol.Command{
		RequestID: "req-1", Command: protocol.CmdNavigate, ContextRef: "ctx_a",
		Params: protocol.CommandParams{URL: "https://elsewhere.example/"},
	})
	if !errors.Is(err, relay.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestEnqueueInFlightCap(t *testing.T) {
	svc := newService(t, relay.Options{Policy: policy.Options{MaxInFlight: 1}})
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Enqueue(ctx, protocol.Command{
		RequestID: "req-1", Command: protocol.CmdClick, ContextRef: "ctx_a",
	}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := svc.Enqueue(ctx, protocol.Command{
		RequestID: "req-2", Command: protocol.CmdClick, ContextRef: "ctx_a",
	})
	if !errors.Is(err, relay.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestDestroyContext(t *testing.T) {
	svc := newService(t, relay.Options{})
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := svc.Destroy(ctx, "ctx_a"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := svc.State(ctx, "ctx_a"); !errors.Is(err, relay.ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
	if err := svc.Destroy(ctx, "ctx_a"); !errors.Is(err, relay.ErrContextNotFound) {
		t.Fatalf("double destroy: expected ErrContextNotFound, got %v", err)
	}
}

func TestSubscribeChannelClosesOnCancelAndDestroy(t *testing.T) {
	svc := newService(t, relay.Options{})
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ch, cancel := svc.Subscribe("ctx_a")
	cancel()
	cancel() // second cancel is a no-op
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}

	// Destroy releases listeners that never cancelled, so a push write loop
	// waiting on the channel wakes up instead of blocking forever.
	ch, cancel = svc.Subscribe("ctx_a")
	defer cancel()
	if err := svc.Destroy(ctx, "ctx_a"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after destroy")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after destroy")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	svc := newService(t, relay.Options{})
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_a", 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ch, cancel := svc.Subscribe("ctx_a")
	defer cancel()

	click := protocol.Event{
		ContextRef: "ctx_a",
		Type:       protocol.EventClick,
		Timestamp:  time.Now().UnixMilli(),
		Click:      &protocol.ClickInfo{Locator: "#submit", Action: "submit"},
	}
	if err := svc.HandleEvent(ctx, click); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != protocol.EventClick || got.Click.Action != "submit" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no push event received")
	}

	// Events for other contexts must not arrive.
	if err := svc.HandleEvent(ctx, snapshotEvent("ctx_b", 1)); err != nil {
		t.Fatalf("other context: %v", err)
	}
	select {
	case got := <-ch:
		t.Fatalf("leaked event from another context: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
