// Package relay implements the coordination point between page agent shims
// and agent clients: it ingests events, maintains per-context state, queues
// commands for shim pickup, and answers agent queries.
//
// The relay holds no business logic about what the page means — it stores
// what the shim reported and enforces delivery and policy semantics.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/domlink/protocol"
	"github.com/hazyhaar/domlink/relay/internal/policy"
	"github.com/hazyhaar/domlink/relay/internal/store"
)

// ErrInvalidEvent marks an event the relay refuses to ingest: unknown type,
// missing context reference, or a payload that does not match its type.
var ErrInvalidEvent = errors.New("relay: invalid event")

// Re-exported sentinels so HTTP and MCP layers map errors without importing
// internal packages.
var (
	ErrContextNotFound = store.ErrContextNotFound
	ErrNotAllowed      = policy.ErrNotAllowed
	ErrRateLimited     = policy.ErrRateLimited
)

// Options configures a relay Service.
type Options struct {
	// Store configures snapshot history, event feed and queue timing.
	Store store.Options
	// Policy configures the allow-list and rate caps.
	Policy policy.Options
	// IdleTTL is how long a context may go without any event before the
	// sweep evicts it. Default: 15m.
	IdleTTL time.Duration
	// SweepInterval is how often Run sweeps idle contexts and expired
	// commands. Default: 1m.
	SweepInterval time.Duration
	// ClaimMax bounds how many commands one shim poll may claim. Default: 10.
	ClaimMax int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.IdleTTL <= 0 {
		o.IdleTTL = 15 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.ClaimMax <= 0 {
		o.ClaimMax = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Service wires the store and policy guard behind the relay's operations.
// All methods are safe for concurrent use.
type Service struct {
	store *store.Store
	guard *policy.Guard
	opts  Options

	mu   sync.Mutex
	subs map[string]map[chan protocol.Event]struct{}
}

// New creates a Service over db. Call Init once before serving.
func New(db *sql.DB, opts Options) *Service {
	opts.defaults()
	return &Service{
		store: store.New(db, opts.Store),
		guard: policy.New(db, opts.Policy),
		opts:  opts,
		subs:  make(map[string]map[chan protocol.Event]struct{}),
	}
}

// Init creates all schemas.
func (s *Service) Init(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("relay: init store: %w", err)
	}
	if err := s.guard.Init(ctx); err != nil {
		return fmt.Errorf("relay: init policy: %w", err)
	}
	return nil
}

// HandleEvent ingests one event from a shim. Side effects depend on type:
// state.snapshot updates the context's versioned state, cmd.result
// acknowledges a queued command, everything else lands only in the event
// feed. Every accepted event refreshes the context's last-seen time and is
// fanned out to push subscribers.
//
// A stale snapshot version is tolerated (duplicate delivery), logged, and
// not stored again.
func (s *Service) HandleEvent(ctx context.Context, ev protocol.Event) error {
	if ev.ContextRef == "" || !ev.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidEvent, ev.Type)
	}
	if err := s.guard.AllowEvent(ev.ContextRef); err != nil {
		return err
	}

	url := ""
	if ev.Snapshot != nil {
		url = ev.Snapshot.URL
	}
	if err := s.store.Touch(ctx, ev.ContextRef, url); err != nil {
		return fmt.Errorf("relay: touch: %w", err)
	}

	switch ev.Type {
	case protocol.EventStateSnapshot:
		if ev.Snapshot == nil {
			return fmt.Errorf("%w: state.snapshot without snapshot", ErrInvalidEvent)
		}
		err := s.store.PutSnapshot(ctx, ev.ContextRef, *ev.Snapshot)
		if errors.Is(err, store.ErrStaleSnapshot) {
			s.opts.Logger.Debug("relay: duplicate snapshot dropped",
				"ref", ev.ContextRef, "version", ev.Snapshot.Version)
		} else if err != nil {
			return fmt.Errorf("relay: put snapshot: %w", err)
		}
	case protocol.EventCommandResult:
		if ev.Result == nil {
			return fmt.Errorf("%w: cmd.result without result", ErrInvalidEvent)
		}
		if err := s.store.Ack(ctx, ev.ContextRef, *ev.Result); err != nil {
			return fmt.Errorf("relay: ack: %w", err)
		}
	}

	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("relay: append event: %w", err)
	}
	s.publish(ev)
	return nil
}

// Enqueue queues a command for a context after policy checks. For a
// request ID already executed on this context the stored result is returned
// immediately and nothing is queued.
func (s *Service) Enqueue(ctx context.Context, cmd protocol.Command) (*protocol.CommandResult, error) {
	if cmd.RequestID == "" || cmd.ContextRef == "" {
		return nil, fmt.Errorf("%w: command missing request_id or context_ref", ErrInvalidEvent)
	}
	ok, err := s.store.Exists(ctx, cmd.ContextRef)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrContextNotFound
	}
	if err := s.guard.AllowCommand(ctx, cmd.ContextRef, string(cmd.Command)); err != nil {
		return nil, err
	}
	pending, err := s.store.Pending(ctx, cmd.ContextRef)
	if err != nil {
		return nil, err
	}
	if err := s.guard.AllowInFlight(pending); err != nil {
		return nil, err
	}
	return s.store.Enqueue(ctx, cmd, s.opts.Store.CommandTTL)
}

// Claim hands pending commands to a polling shim. Claimed commands become
// invisible for the redelivery interval; an unacknowledged command reappears
// on a later poll.
func (s *Service) Claim(ctx context.Context, ref string) ([]protocol.Command, error) {
	ok, err := s.store.Exists(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrContextNotFound
	}
	return s.store.Claim(ctx, ref, s.opts.ClaimMax)
}

// Result returns the stored result for a request ID, or found=false while
// the command is still pending or in flight.
func (s *Service) Result(ctx context.Context, ref, requestID string) (*protocol.CommandResult, bool, error) {
	ok, err := s.store.Exists(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrContextNotFound
	}
	return s.store.Result(ctx, ref, requestID)
}

// Contexts lists all live contexts.
func (s *Service) Contexts(ctx context.Context) ([]store.ContextInfo, error) {
	return s.store.ListContexts(ctx)
}

// State returns the latest snapshot for a context.
func (s *Service) State(ctx context.Context, ref string) (*protocol.Snapshot, error) {
	return s.store.LatestSnapshot(ctx, ref)
}

// History returns the bounded snapshot history, newest first.
func (s *Service) History(ctx context.Context, ref string) ([]protocol.Snapshot, error) {
	if err := s.requireContext(ctx, ref); err != nil {
		return nil, err
	}
	return s.store.History(ctx, ref)
}

// Capabilities returns the region types ever observed in a context.
func (s *Service) Capabilities(ctx context.Context, ref string) ([]protocol.Capability, error) {
	if err := s.requireContext(ctx, ref); err != nil {
		return nil, err
	}
	return s.store.Capabilities(ctx, ref)
}

// Events returns recent events after the given feed cursor.
func (s *Service) Events(ctx context.Context, ref string, after int64) ([]store.EventRecord, error) {
	if err := s.requireContext(ctx, ref); err != nil {
		return nil, err
	}
	return s.store.EventsAfter(ctx, ref, after)
}

// SetPolicyRule installs an allow-list rule. An empty ref sets a global
// default; command "*" matches any command.
func (s *Service) SetPolicyRule(ctx context.Context, ref, command string, allowed bool) error {
	return s.guard.SetRule(ctx, ref, command, allowed)
}

// Destroy removes all state for a context. Subsequent requests for the
// reference get ErrContextNotFound.
func (s *Service) Destroy(ctx context.Context, ref string) error {
	if err := s.requireContext(ctx, ref); err != nil {
		return err
	}
	if err := s.store.Destroy(ctx, ref); err != nil {
		return err
	}
	s.guard.Forget(ref)
	s.dropSubscribers(ref)
	return nil
}

func (s *Service) requireContext(ctx context.Context, ref string) error {
	ok, err := s.store.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return ErrContextNotFound
	}
	return nil
}

// Run drives periodic maintenance until ctx is cancelled: idle-context
// sweeping, command TTL expiry, and rate-bucket GC.
func (s *Service) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	swept, err := s.store.SweepIdle(ctx, s.opts.IdleTTL)
	if err != nil {
		s.opts.Logger.Error("relay: sweep idle", "error", err)
	}
	for _, ref := range swept {
		s.guard.Forget(ref)
		s.dropSubscribers(ref)
	}
	if len(swept) > 0 {
		s.opts.Logger.Info("relay: swept idle contexts", "count", len(swept))
	}
	if err := s.store.ExpireCommands(ctx); err != nil {
		s.opts.Logger.Error("relay: expire commands", "error", err)
	}
	s.guard.GC()
}

// Subscribe registers a push listener for one context's events. The channel
// closes when cancel runs or the context is destroyed or swept; cancel must
// be called when the listener goes away. Slow listeners lose events rather
// than block ingestion.
func (s *Service) Subscribe(ref string) (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, 32)
	s.mu.Lock()
	if s.subs[ref] == nil {
		s.subs[ref] = make(map[chan protocol.Event]struct{})
	}
	s.subs[ref][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if set, ok := s.subs[ref]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(s.subs, ref)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Service) publish(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[ev.ContextRef] {
		select {
		case ch <- ev:
		default: // listener too slow, drop
		}
	}
}

func (s *Service) dropSubscribers(ref string) {
	s.mu.Lock()
	for ch := range s.subs[ref] {
		close(ch)
	}
	delete(s.subs, ref)
	s.mu.Unlock()
}
