package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/shim/internal/transport"
)

func TestSendEvents(t *testing.T) {
	var got []protocol.Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(202)
	}))
	defer ts.Close()

	c := transport.New(ts.URL)
	err := c.SendEvents(context.Background(),
		protocol.Event{ContextRef: "ctx_a", Type: protocol.EventClick, Timestamp: time.Now().UnixMilli()},
		protocol.Event{ContextRef: "ctx_a", Type: protocol.EventFocusChanged, Focus: "#email"},
	)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 2 || got[1].Focus != "#email" {
		t.Fatalf("server got: %+v", got)
	}
}

func TestSendEventsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(202)
	}))
	defer ts.Close()

	c := transport.New(ts.URL, transport.WithRetries(2))
	err := c.SendEvents(context.Background(),
		protocol.Event{ContextRef: "ctx_a", Type: protocol.EventClick})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestSendEventsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(400)
	}))
	defer ts.Close()

	c := transport.New(ts.URL, transport.WithRetries(3))
	err := c.SendEvents(context.Background(),
		protocol.Event{ContextRef: "ctx_a", Type: protocol.EventClick})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestClaim(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/contexts/ctx_a/commands" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]protocol.Command{
			{RequestID: "req-1", Command: protocol.CmdClick},
		})
	}))
	defer ts.Close()

	c := transport.New(ts.URL)
	cmds, err := c.Claim(context.Background(), "ctx_a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(cmds) != 1 || cmds[0].RequestID != "req-1" {
		t.Fatalf("unexpected commands: %+v", cmds)
	}
}

func TestClaimGoneContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(404)
	}))
	defer ts.Close()

	c := transport.New(ts.URL)
	_, err := c.Claim(context.Background(), "ctx_gone")
	if !errors.Is(err, transport.ErrContextGone) {
		t.Fatalf("expected ErrContextGone, got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	var method, path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(200)
	}))
	defer ts.Close()

	c := transport.New(ts.URL)
	if err := c.Destroy(context.Background(), "ctx_a"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if method != http.MethodDelete || path != "/api/contexts/ctx_a/" {
		t.Fatalf("server saw %s %s", method, path)
	}
}
