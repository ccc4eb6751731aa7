package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// QueuedSignal is a durable row in signal_queue (§4.5, §3 Signal).
type QueuedSignal struct {
	ID            string
	Type          string
	Source        string
	Payload       map[string]any
	CorrelationID string
	CreatedAt     time.Time
	Status        string // queued, processing, done, failed
	Error         string
	Durable       bool
	ClaimedBy     string
}

// SignalRepo implements the durable, idempotent, at-least-once queue
// described in §4.5: enqueue is INSERT OR IGNORE keyed on id, claim is a
// conditional update from queued to processing.
type SignalRepo struct{ db *sql.DB }

func (s *Store) Signals() *SignalRepo { return &SignalRepo{db: s.db} }

// execer is satisfied by both *sql.DB and *sql.Tx, letting the insert
// logic below run either standalone or inside a caller's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Enqueue inserts a durable signal. Idempotent on ID: a duplicate insert
// (e.g. a retried webhook) is silently ignored, satisfying invariant 3
// (§8) of at-least-once delivery without duplicate rows.
func (r *SignalRepo) Enqueue(ctx context.Context, s QueuedSignal) error {
	return enqueueSignal(ctx, r.db, s)
}

// EnqueueSignalTx inserts a durable signal within the caller's
// transaction, so an FSM step can enqueue a follow-up signal atomically
// with the trace row and state update describing it (§4.6 step 5).
func EnqueueSignalTx(ctx context.Context, tx *sql.Tx, s QueuedSignal) error {
	return enqueueSignal(ctx, tx, s)
}

func enqueueSignal(ctx context.Context, db execer, s QueuedSignal) error {
	payloadJSON, err := json.Marshal(s.Payload)
	if err != nil {
		return fmt.Errorf("marshal signal payload: %w", err)
	}
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signal_queue (id, type, source, payload_json, correlation_id, created_at, status, durable)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?)
	`, s.ID, s.Type, s.Source, string(payloadJSON), s.CorrelationID, s.CreatedAt.Format(time.RFC3339Nano), boolToInt(s.Durable))
	if err != nil {
		return fmt.Errorf("enqueue signal %q: %w", s.ID, err)
	}
	return nil
}

// Claim atomically moves up to maxN queued signals to processing and
// returns them, oldest first. Because SQLite's UPDATE has no LIMIT
// clause, the claim set is selected via a subquery and applied with one
// statement per row inside a transaction, so a concurrent claimer never
// double-claims.
func (r *SignalRepo) Claim(ctx context.Context, workerID string, maxN int) ([]QueuedSignal, error) {
	if maxN <= 0 {
		maxN = 1
	}
	var claimed []QueuedSignal
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM signal_queue WHERE status = 'queued' ORDER BY created_at ASC LIMIT ?
		`, maxN)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan claimable id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE signal_queue SET status='processing', claimed_by=?, claimed_at=?
				WHERE id = ? AND status = 'queued'
			`, workerID, now, id)
			if err != nil {
				return fmt.Errorf("claim %q: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue // lost the race to another claimer
			}
			row := tx.QueryRowContext(ctx, `
				SELECT id, type, source, payload_json, correlation_id, created_at, status, error, durable, claimed_by
				FROM signal_queue WHERE id = ?
			`, id)
			qs, err := scanQueuedSignal(row)
			if err != nil {
				return fmt.Errorf("load claimed %q: %w", id, err)
			}
			claimed = append(claimed, qs)
		}
		return nil
	})
	return claimed, err
}

// Complete marks a claimed signal done or failed.
func (r *SignalRepo) Complete(ctx context.Context, id string, ok bool, errMsg string) error {
	status := "done"
	if !ok {
		status = "failed"
	}
	_, err := r.db.ExecContext(ctx, `UPDATE signal_queue SET status=?, error=? WHERE id=?`, status, nullIfEmpty(errMsg), id)
	if err != nil {
		return fmt.Errorf("complete signal %q: %w", id, err)
	}
	return nil
}

func (r *SignalRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanQueuedSignal(row *sql.Row) (QueuedSignal, error) {
	var qs QueuedSignal
	var payloadJSON, createdAt string
	var errCol sql.NullString
	var durable int
	var claimedBy sql.NullString
	if err := row.Scan(&qs.ID, &qs.Type, &qs.Source, &payloadJSON, &qs.CorrelationID, &createdAt, &qs.Status, &errCol, &durable, &claimedBy); err != nil {
		return qs, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &qs.Payload); err != nil {
		return qs, fmt.Errorf("unmarshal payload: %w", err)
	}
	qs.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	qs.Error = errCol.String
	qs.Durable = durable == 1
	qs.ClaimedBy = claimedBy.String
	return qs, nil
}
