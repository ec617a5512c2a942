// Package policy enforces the relay's per-context capability and rate
// rules: a command allow-list consulted before anything is queued, an
// inbound events-per-minute cap, and a concurrent in-flight command cap.
//
// Rejections happen at the relay boundary and never reach the shim. They
// surface as distinct error kinds so an agent can tell "not allowed" from
// "failed to find".
package policy

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotAllowed marks a command rejected by the allow-list.
	ErrNotAllowed = errors.New("policy: command not allowed for this context")

	// ErrRateLimited marks a request rejected by a rate or concurrency cap.
	// Callers should surface a retry signal rather than drop silently.
	ErrRateLimited = errors.New("policy: rate limit exceeded")
)

// Options configures a Guard.
type Options struct {
	// EventsPerMinute caps inbound events per context. Default: 120.
	EventsPerMinute int
	// MaxInFlight caps unacknowledged commands per context. Default: 2.
	MaxInFlight int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.EventsPerMinute <= 0 {
		o.EventsPerMinute = 120
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Guard evaluates policy for one relay instance. Allow-list rules live in
// the command_policy table; event buckets are in-memory since they are
// advisory load control, not durable state.
type Guard struct {
	db      *sql.DB
	opts    Options
	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a Guard. Call Init once at startup.
func New(db *sql.DB, opts Options) *Guard {
	opts.defaults()
	return &Guard{db: db, opts: opts, buckets: make(map[string]*bucket)}
}

// Init creates the command_policy table if it does not exist. A context_ref
// of '' defines global default rules; the command '*' matches any command.
func (g *Guard) Init(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS command_policy (
			context_ref TEXT NOT NULL DEFAULT '',
			command     TEXT NOT NULL,
			allowed     INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (context_ref, command)
		);
	`)
	return err
}

// SetRule inserts or replaces an allow-list rule.
func (g *Guard) SetRule(ctx context.Context, ref, command string, allowed bool) error {
	v := 0
	if allowed {
		v = 1
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO command_policy (context_ref, command, allowed) VALUES (?, ?, ?)
		ON CONFLICT(context_ref, command) DO UPDATE SET allowed = excluded.allowed`,
		ref, command, v)
	return err
}

// AllowCommand checks the allow-list for a command on a context. Rules are
// consulted most-specific first: (ref, command), (ref, '*'), ('', command),
// ('', '*'). A deny rule wins at the level it matches. With no matching
// rules at all the command is allowed — policy is opt-in.
func (g *Guard) AllowCommand(ctx context.Context, ref, command string) error {
	for _, key := range [][2]string{{ref, command}, {ref, "*"}, {"", command}, {"", "*"}} {
		var allowed int
		err := g.db.QueryRowContext(ctx,
			`SELECT allowed FROM command_policy WHERE context_ref = ? AND command = ?`,
			key[0], key[1]).Scan(&allowed)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		if allowed == 0 {
			g.opts.Logger.Warn("policy: command rejected",
				"ref", ref, "command", command, "rule_ref", key[0], "rule_command", key[1])
			return ErrNotAllowed
		}
		return nil
	}
	return nil
}

// AllowEvent counts one inbound event against the context's per-minute
// budget. Excess returns ErrRateLimited.
func (g *Guard) AllowEvent(ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	b := g.buckets[ref]
	if b == nil || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(time.Minute)}
		g.buckets[ref] = b
	}
	b.count++
	if b.count > g.opts.EventsPerMinute {
		return ErrRateLimited
	}
	return nil
}

// AllowInFlight checks the concurrent-command cap against the current
// pending count for a context.
func (g *Guard) AllowInFlight(pending int) error {
	if pending >= g.opts.MaxInFlight {
		return ErrRateLimited
	}
	return nil
}

// Forget drops in-memory rate state for a context. Called when a context is
// destroyed or swept.
func (g *Guard) Forget(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.buckets, ref)
}

// GC removes expired buckets. Run from the relay's periodic sweep.
func (g *Guard) GC() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for ref, b := range g.buckets {
		if now.After(b.resetAt) {
			delete(g.buckets, ref)
		}
	}
}
