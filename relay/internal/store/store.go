// Package store implements the relay's per-context state: latest snapshot
// plus a short bounded history, the pending-command queue, the idempotency
// table of executed request IDs, and a small recent-event feed.
//
// Everything is keyed by context reference — the per-tab isolation unit.
// Rows for one context are only ever touched by requests bearing that
// reference, so no cross-context locking exists. SQLite is the single
// backing file; the command queue uses visibility timeouts so unacknowledged
// commands reappear for redelivery until they are acked or expire.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/domlink/protocol"
)

var (
	// ErrContextNotFound marks a reference the relay has never seen or has
	// already swept. Agents must treat this as "start over", not retry.
	ErrContextNotFound = errors.New("store: context not found")

	// ErrStaleSnapshot marks a snapshot whose version does not advance the
	// context's latest. Duplicates from at-least-once transport land here.
	ErrStaleSnapshot = errors.New("store: stale snapshot version")
)

// Options configures store behaviour.
type Options struct {
	// HistoryLimit bounds per-context snapshot history. Default: 10.
	HistoryLimit int
	// EventLimit bounds the per-context recent-event feed. Default: 100.
	EventLimit int
	// CommandTTL is how long an unfetched command stays deliverable before
	// it is dropped and reported as failed. Default: 30s.
	CommandTTL time.Duration
	// Redelivery is how long a claimed command stays invisible before it
	// becomes deliverable again. Default: 5s.
	Redelivery time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	if o.EventLimit <= 0 {
		o.EventLimit = 100
	}
	if o.CommandTTL <= 0 {
		o.CommandTTL = 30 * time.Second
	}
	if o.Redelivery <= 0 {
		o.Redelivery = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the relay's only stateful component.
type Store struct {
	db   *sql.DB
	opts Options
}

// New creates a store handle. Call Init once at startup.
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, opts: opts}
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contexts (
			ref        TEXT PRIMARY KEY,
			url        TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS snapshots (
			context_ref TEXT NOT NULL,
			version     INTEGER NOT NULL,
			payload     BLOB NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (context_ref, version)
		);
		CREATE TABLE IF NOT EXISTS region_types (
			context_ref TEXT NOT NULL,
			type_id     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			last_seen   INTEGER NOT NULL,
			PRIMARY KEY (context_ref, type_id)
		);
		CREATE TABLE IF NOT EXISTS commands (
			context_ref TEXT NOT NULL,
			request_id  TEXT NOT NULL,
			payload     BLOB NOT NULL,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			expires_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (context_ref, request_id)
		);
		CREATE INDEX IF NOT EXISTS idx_commands_visible ON commands (context_ref, visible_at);
		CREATE TABLE IF NOT EXISTS results (
			context_ref TEXT NOT NULL,
			request_id  TEXT NOT NULL,
			payload     BLOB NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (context_ref, request_id)
		);
		CREATE TABLE IF NOT EXISTS events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			context_ref TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			type        TEXT NOT NULL,
			payload     BLOB NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_ref ON events (context_ref, id);
	`)
	return err
}

// Touch records activity for a context, creating it on first sight.
func (s *Store) Touch(ctx context.Context, ref, url string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (ref, url, created_at, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			last_seen = excluded.last_seen,
			url = CASE WHEN excluded.url != '' THEN excluded.url ELSE contexts.url END`,
		ref, url, now, now,
	)
	return err
}

// Exists reports whether the context reference is live.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contexts WHERE ref = ?`, ref).Scan(&n)
	return n > 0, err
}

// ContextInfo describes one live context for listing.
type ContextInfo struct {
	Ref      string `json:"ref"`
	URL      string `json:"url"`
	LastSeen int64  `json:"last_seen"`
}

// ListContexts returns all live contexts ordered by recency.
func (s *Store) ListContexts(ctx context.Context) ([]ContextInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, url, last_seen FROM contexts ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ContextInfo{}
	for rows.Next() {
		var c ContextInfo
		if err := rows.Scan(&c.Ref, &c.URL, &c.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PutSnapshot stores a new snapshot for the context, enforcing monotonic
// versions. A version of 1 at or below the stored latest is treated as a
// page-reload reset and wipes the old history; any other non-advancing
// version is rejected as stale.
func (s *Store) PutSnapshot(ctx context.Context, ref string, snap protocol.Snapshot) error {
	latest, err := s.latestVersion(ctx, ref)
	if err != nil {
		return err
	}
	if snap.Version <= latest {
		if snap.Version != 1 {
			return fmt.Errorf("%w: got %d, latest %d", ErrStaleSnapshot, snap.Version, latest)
		}
		// Reload reset: the shim restarted its counter.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE context_ref = ?`, ref); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (context_ref, version, payload, created_at) VALUES (?, ?, ?, ?)`,
		ref, snap.Version, payload, now); err != nil {
		return err
	}

	// Trim history beyond the bound, oldest first.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE context_ref = ? AND version NOT IN (
			SELECT version FROM snapshots WHERE context_ref = ?
			ORDER BY version DESC LIMIT ?
		)`, ref, ref, s.opts.HistoryLimit); err != nil {
		return err
	}

	return s.recordRegionTypes(ctx, ref, snap, now)
}

func (s *Store) latestVersion(ctx context.Context, ref string) (uint64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM snapshots WHERE context_ref = ?`, ref).Scan(&v)
	if err != nil {
		return 0, err
	}
	return uint64(v.Int64), nil
}

func (s *Store) recordRegionTypes(ctx context.Context, ref string, snap protocol.Snapshot, now int64) error {
	put := func(r *protocol.RegionRef, kind protocol.RegionKind) error {
		if r == nil || r.TypeID == "" {
			return nil
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO region_types (context_ref, type_id, kind, last_seen) VALUES (?, ?, ?, ?)
			ON CONFLICT(context_ref, type_id) DO UPDATE SET last_seen = excluded.last_seen`,
			ref, r.TypeID, string(kind), now)
		return err
	}
	if err := put(snap.Route, protocol.KindRoute); err != nil {
		return err
	}
	if err := put(snap.View, protocol.KindView); err != nil {
		return err
	}
	if err := put(snap.Modal, protocol.KindModal); err != nil {
		return err
	}
	for i := range snap.Panels {
		if err := put(&snap.Panels[i], protocol.KindPanel); err != nil {
			return err
		}
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for a context.
func (s *Store) LatestSnapshot(ctx context.Context, ref string) (*protocol.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots WHERE context_ref = ?
		ORDER BY version DESC LIMIT 1`, ref)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrContextNotFound
		}
		return nil, err
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// History returns the bounded snapshot history, newest first.
func (s *Store) History(ctx context.Context, ref string) ([]protocol.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM snapshots WHERE context_ref = ?
		ORDER BY version DESC`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []protocol.Snapshot{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap protocol.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Capabilities returns the region types observed for a context. Metadata
// only — the relay never stores raw page content.
func (s *Store) Capabilities(ctx context.Context, ref string) ([]protocol.Capability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type_id, kind, last_seen FROM region_types
		WHERE context_ref = ? ORDER BY type_id`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []protocol.Capability{}
	for rows.Next() {
		var c protocol.Capability
		var kind string
		if err := rows.Scan(&c.TypeID, &kind, &c.LastSeen); err != nil {
			return nil, err
		}
		c.Kind = protocol.RegionKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

// EventRecord is one stored event with its feed cursor.
type EventRecord struct {
	ID    int64          `json:"id"`
	Event protocol.Event `json:"event"`
}

// AppendEvent stores an event in the bounded recent feed.
func (s *Store) AppendEvent(ctx context.Context, ev protocol.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events (context_ref, seq, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ContextRef, ev.Seq, string(ev.Type), payload, now); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM events WHERE context_ref = ? AND id NOT IN (
			SELECT id FROM events WHERE context_ref = ?
			ORDER BY id DESC LIMIT ?
		)`, ev.ContextRef, ev.ContextRef, s.opts.EventLimit)
	return err
}

// EventsAfter returns stored events with a feed cursor greater than after,
// oldest first.
func (s *Store) EventsAfter(ctx context.Context, ref string, after int64) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload FROM events WHERE context_ref = ? AND id > ?
		ORDER BY id ASC`, ref, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []EventRecord{}
	for rows.Next() {
		var rec EventRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Event); err != nil {
			return nil, fmt.Errorf("store: unmarshal event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Destroy removes all state for a context: snapshots, queue, idempotency
// entries, events, capabilities. The shim's teardown path calls this
// explicitly; the idle sweep is only the backstop.
func (s *Store) Destroy(ctx context.Context, ref string) error {
	for _, q := range []string{
		`DELETE FROM commands WHERE context_ref = ?`,
		`DELETE FROM results WHERE context_ref = ?`,
		`DELETE FROM snapshots WHERE context_ref = ?`,
		`DELETE FROM region_types WHERE context_ref = ?`,
		`DELETE FROM events WHERE context_ref = ?`,
		`DELETE FROM contexts WHERE ref = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, ref); err != nil {
			return err
		}
	}
	return nil
}

// SweepIdle evicts contexts whose last activity is older than ttl and
// returns the evicted references.
func (s *Store) SweepIdle(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref FROM contexts WHERE last_seen < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return nil, err
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, ref := range refs {
		if err := s.Destroy(ctx, ref); err != nil {
			return refs, err
		}
		s.opts.Logger.Info("store: swept idle context", "ref", ref)
	}
	return refs, nil
}
