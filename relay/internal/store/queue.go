package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/domlink/protocol"
)

// Command delivery works as a visibility-timeout queue. Enqueue inserts an
// immediately visible row; Claim marks rows invisible for the redelivery
// interval so an unacknowledging shim sees them again on a later fetch;
// Ack records the result in the idempotency table and deletes the row.
// Rows older than the command TTL are dropped and recorded as failed.

// Enqueue queues a command for delivery. The request ID is the idempotency
// key: if a result is already stored for it, that result is returned and
// nothing is queued; if the command is still pending, the call is a no-op
// duplicate. TTL of zero uses the configured default.
func (s *Store) Enqueue(ctx context.Context, cmd protocol.Command, ttl time.Duration) (*protocol.CommandResult, error) {
	if prior, ok, err := s.Result(ctx, cmd.ContextRef, cmd.RequestID); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	if ttl <= 0 {
		ttl = s.opts.CommandTTL
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("store: marshal command: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (context_ref, request_id, payload, visible_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_ref, request_id) DO NOTHING`,
		cmd.ContextRef, cmd.RequestID, payload,
		now.UnixMilli(), now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// Pending counts unacknowledged commands for a context — queued or claimed.
// The policy layer caps this to bound concurrent in-flight work per tab.
func (s *Store) Pending(ctx context.Context, ref string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commands WHERE context_ref = ?`, ref).Scan(&n)
	return n, err
}

// Claim atomically fetches up to max deliverable commands for a context,
// marking each invisible for the redelivery interval. Expired commands are
// failed first so the shim never receives a command the agent has already
// been told is dead.
func (s *Store) Claim(ctx context.Context, ref string, max int) ([]protocol.Command, error) {
	if err := s.ExpireCommands(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	hideUntil := now.Add(s.opts.Redelivery).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE commands
		SET visible_at = ?, attempts = attempts + 1
		WHERE context_ref = ? AND request_id IN (
			SELECT request_id FROM commands
			WHERE context_ref = ? AND visible_at <= ?
			ORDER BY created_at ASC
			LIMIT ?
		)
		RETURNING payload`,
		hideUntil, ref, ref, now.UnixMilli(), max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []protocol.Command{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cmd protocol.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("store: unmarshal command: %w", err)
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// Ack records a command result and removes the command from the queue.
// The first stored result for a request ID wins; replays keep it untouched
// so a repeated query returns a byte-identical answer.
func (s *Store) Ack(ctx context.Context, ref string, res protocol.CommandResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO results (context_ref, request_id, payload, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(context_ref, request_id) DO NOTHING`,
		ref, res.RequestID, payload, now); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM commands WHERE context_ref = ? AND request_id = ?`, ref, res.RequestID)
	return err
}

// Result returns the stored result for a request ID, if any.
func (s *Store) Result(ctx context.Context, ref, requestID string) (*protocol.CommandResult, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM results WHERE context_ref = ? AND request_id = ?`, ref, requestID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var res protocol.CommandResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal result: %w", err)
	}
	return &res, true, nil
}

// ExpireCommands drops commands past their delivery TTL across all contexts
// and records each as a failed result so the agent client sees the failure
// instead of silence. Called from the claim path and the periodic sweep.
func (s *Store) ExpireCommands(ctx context.Context) error {
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT context_ref, request_id FROM commands WHERE expires_at < ?`, now)
	if err != nil {
		return err
	}
	type dead struct{ ref, id string }
	var expired []dead
	for rows.Next() {
		var d dead
		if err := rows.Scan(&d.ref, &d.id); err != nil {
			rows.Close()
			return err
		}
		expired = append(expired, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range expired {
		res := protocol.CommandResult{
			RequestID: d.id,
			OK:        false,
			Error:     "command expired before delivery",
			ErrorKind: protocol.ErrKindExpired,
		}
		if err := s.Ack(ctx, d.ref, res); err != nil {
			return err
		}
		s.opts.Logger.Warn("store: command expired", "ref", d.ref, "request_id", d.id)
	}
	return nil
}
