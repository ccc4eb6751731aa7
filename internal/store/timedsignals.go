package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TimedSignal is a timed_signals row (§3, §4.9).
type TimedSignal struct {
	ID            string
	TriggerAt     time.Time
	NextTriggerAt *time.Time
	RRule         string
	Timezone      string
	Status        string // pending, processing, fired, failed, cancelled, skipped, dispatched
	FiredAt       *time.Time
	Attempts      int
	LastError     string
	SignalType    string
	Payload       map[string]any
	Target        string
	Origin        string
	CorrelationID string
	ClaimedBy     string
	ClaimedAt     *time.Time
}

// TimedSignalRepo persists and claims rows for the timed scheduler.
type TimedSignalRepo struct{ db *sql.DB }

func (s *Store) TimedSignals() *TimedSignalRepo { return &TimedSignalRepo{db: s.db} }

// Insert creates a new timed signal row.
func (r *TimedSignalRepo) Insert(ctx context.Context, ts TimedSignal) (string, error) {
	return insertTimedSignal(ctx, r.db, ts)
}

// InsertTimedSignalTx inserts a timed signal row within the caller's
// transaction, so an FSM step can schedule a reminder atomically with
// the trace row and state update that produced it (§4.6 step 5,
// testable invariant 2: "all persisted or none").
func InsertTimedSignalTx(ctx context.Context, tx *sql.Tx, ts TimedSignal) (string, error) {
	return insertTimedSignal(ctx, tx, ts)
}

func insertTimedSignal(ctx context.Context, db execer, ts TimedSignal) (string, error) {
	if ts.ID == "" {
		ts.ID = NewID()
	}
	if ts.Status == "" {
		ts.Status = "pending"
	}
	if ts.Timezone == "" {
		ts.Timezone = "UTC"
	}
	payloadJSON, err := json.Marshal(ts.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal timed signal payload: %w", err)
	}
	var nextTrigger any
	if ts.NextTriggerAt != nil {
		nextTrigger = ts.NextTriggerAt.Format(time.RFC3339Nano)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO timed_signals (id, trigger_at, next_trigger_at, rrule, timezone, status, attempts, signal_type, payload_json, target, origin, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
	`, ts.ID, ts.TriggerAt.Format(time.RFC3339Nano), nextTrigger, nullIfEmpty(ts.RRule), ts.Timezone, ts.Status,
		ts.SignalType, string(payloadJSON), nullIfEmpty(ts.Target), nullIfEmpty(ts.Origin), ts.CorrelationID)
	if err != nil {
		return "", fmt.Errorf("insert timed signal: %w", err)
	}
	return ts.ID, nil
}

// ClaimDue claims up to maxN pending rows whose trigger_at has passed,
// via conditional update from pending to processing, plus reclaiming
// any processing row whose lease has gone stale (worker crashed
// mid-dispatch, §4.9).
func (r *TimedSignalRepo) ClaimDue(ctx context.Context, workerID string, now time.Time, staleLease time.Duration, maxN int) ([]TimedSignal, error) {
	if maxN <= 0 {
		maxN = 50
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	staleThreshold := now.Add(-staleLease).Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		UPDATE timed_signals SET status='pending' WHERE status='processing' AND claimed_at < ?
	`, staleThreshold); err != nil {
		return nil, fmt.Errorf("reclaim stale leases: %w", err)
	}

	nowStr := now.Format(time.RFC3339Nano)
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM timed_signals WHERE status='pending' AND trigger_at <= ? ORDER BY trigger_at ASC LIMIT ?
	`, nowStr, maxN)
	if err != nil {
		return nil, fmt.Errorf("select due timed signals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []TimedSignal
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE timed_signals SET status='processing', claimed_by=?, claimed_at=? WHERE id=? AND status='pending'
		`, workerID, nowStr, id)
		if err != nil {
			return nil, fmt.Errorf("claim timed signal %q: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, trigger_at, next_trigger_at, rrule, timezone, status, fired_at, attempts, last_error, signal_type, payload_json, target, origin, correlation_id, claimed_by, claimed_at
			FROM timed_signals WHERE id=?
		`, id)
		item, err := scanTimedSignal(row)
		if err != nil {
			return nil, fmt.Errorf("load claimed timed signal %q: %w", id, err)
		}
		claimed = append(claimed, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkFired sets a row fired and, for recurring rows, inserts a new row
// for the next pending occurrence (caller computes nextTriggerAt).
func (r *TimedSignalRepo) MarkFired(ctx context.Context, id string, firedAt time.Time, nextTriggerAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE timed_signals SET status='fired', fired_at=?, attempts=attempts+1 WHERE id=?
	`, firedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark fired %q: %w", id, err)
	}
	if nextTriggerAt == nil {
		return nil
	}
	var current TimedSignal
	row := r.db.QueryRowContext(ctx, `
		SELECT id, trigger_at, next_trigger_at, rrule, timezone, status, fired_at, attempts, last_error, signal_type, payload_json, target, origin, correlation_id, claimed_by, claimed_at
		FROM timed_signals WHERE id=?
	`, id)
	current, err = scanTimedSignal(row)
	if err != nil {
		return fmt.Errorf("reload fired row %q: %w", id, err)
	}
	_, err = r.Insert(ctx, TimedSignal{
		TriggerAt:     *nextTriggerAt,
		RRule:         current.RRule,
		Timezone:      current.Timezone,
		SignalType:    current.SignalType,
		Payload:       current.Payload,
		Target:        current.Target,
		Origin:        current.Origin,
		CorrelationID: current.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("schedule next occurrence for %q: %w", id, err)
	}
	return nil
}

// MarkFailed marks a one-shot row failed beyond its catch-up window.
func (r *TimedSignalRepo) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE timed_signals SET status='failed', last_error=? WHERE id=?`, reason, id)
	if err != nil {
		return fmt.Errorf("mark failed %q: %w", id, err)
	}
	return nil
}

// MarkSkippedAndReschedule marks a recurring occurrence skipped (missed
// its catch-up window) and inserts the next future occurrence.
func (r *TimedSignalRepo) MarkSkippedAndReschedule(ctx context.Context, id string, nextTriggerAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE timed_signals SET status='skipped', last_error='missed_dispatch_window' WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("mark skipped %q: %w", id, err)
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, trigger_at, next_trigger_at, rrule, timezone, status, fired_at, attempts, last_error, signal_type, payload_json, target, origin, correlation_id, claimed_by, claimed_at
		FROM timed_signals WHERE id=?
	`, id)
	current, err := scanTimedSignal(row)
	if err != nil {
		return fmt.Errorf("reload skipped row %q: %w", id, err)
	}
	_, err = r.Insert(ctx, TimedSignal{
		TriggerAt:     nextTriggerAt,
		RRule:         current.RRule,
		Timezone:      current.Timezone,
		SignalType:    current.SignalType,
		Payload:       current.Payload,
		Target:        current.Target,
		Origin:        current.Origin,
		CorrelationID: current.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("reschedule after skip for %q: %w", id, err)
	}
	return nil
}

// CountPending reports how many timed signal rows are still awaiting
// dispatch, used by the status action handler (§8 scenario: status
// query) to report the scheduler's backlog.
func (r *TimedSignalRepo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timed_signals WHERE status='pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending timed signals: %w", err)
	}
	return n, nil
}

// Get loads a single timed signal row by id.
func (r *TimedSignalRepo) Get(ctx context.Context, id string) (TimedSignal, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, trigger_at, next_trigger_at, rrule, timezone, status, fired_at, attempts, last_error, signal_type, payload_json, target, origin, correlation_id, claimed_by, claimed_at
		FROM timed_signals WHERE id=?
	`, id)
	ts, err := scanTimedSignal(row)
	if err != nil {
		return ts, fmt.Errorf("get timed signal %q: %w", id, err)
	}
	return ts, nil
}

func scanTimedSignal(row *sql.Row) (TimedSignal, error) {
	var ts TimedSignal
	var triggerAt string
	var nextTrigger, rrule, firedAt, lastError, target, origin, claimedBy, claimedAt sql.NullString
	var payloadJSON string
	err := row.Scan(&ts.ID, &triggerAt, &nextTrigger, &rrule, &ts.Timezone, &ts.Status, &firedAt, &ts.Attempts,
		&lastError, &ts.SignalType, &payloadJSON, &target, &origin, &ts.CorrelationID, &claimedBy, &claimedAt)
	if err != nil {
		return ts, err
	}
	ts.TriggerAt, _ = time.Parse(time.RFC3339Nano, triggerAt)
	if nextTrigger.Valid {
		t, _ := time.Parse(time.RFC3339Nano, nextTrigger.String)
		ts.NextTriggerAt = &t
	}
	ts.RRule = rrule.String
	if firedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, firedAt.String)
		ts.FiredAt = &t
	}
	ts.LastError = lastError.String
	ts.Target = target.String
	ts.Origin = origin.String
	ts.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, claimedAt.String)
		ts.ClaimedAt = &t
	}
	if err := json.Unmarshal([]byte(payloadJSON), &ts.Payload); err != nil {
		return ts, fmt.Errorf("unmarshal payload: %w", err)
	}
	return ts, nil
}
