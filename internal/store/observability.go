package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ObservabilityEvent is one append-only observability_events row (§3
// Trace Event, §4.11). Despite the similar shape, this is distinct from
// fsm_trace: the FSM trace is the authoritative per-signal audit log
// consumed by invariant checks, while observability events are the
// broader structured stream (tool calls, plan transitions, timed
// dispatch, slice transitions) aggregated for operational trend
// analysis.
type ObservabilityEvent struct {
	ID            string
	TS            time.Time
	Level         string
	Event         string
	CorrelationID string
	Channel       string
	UserID        string
	Node          string
	Cycle         int
	Status        string
	Tool          string
	ErrorCode     string
	LatencyMS     int
	DetailJSON    string
}

// ObservabilityRepo is the append-only sink plus daily rollups and
// retention pruning described in §4.11.
type ObservabilityRepo struct{ db *sql.DB }

func (s *Store) Observability() *ObservabilityRepo { return &ObservabilityRepo{db: s.db} }

// Append writes one event and increments its daily rollup counter.
func (r *ObservabilityRepo) Append(ctx context.Context, e ObservabilityEvent) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO observability_events (id, ts, level, event, correlation_id, channel, user_id, node, cycle, status, tool, error_code, latency_ms, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TS.Format(time.RFC3339Nano), e.Level, e.Event, e.CorrelationID, nullIfEmpty(e.Channel),
		nullIfEmpty(e.UserID), nullIfEmpty(e.Node), e.Cycle, nullIfEmpty(e.Status), nullIfEmpty(e.Tool),
		nullIfEmpty(e.ErrorCode), e.LatencyMS, nullIfEmpty(e.DetailJSON))
	if err != nil {
		return fmt.Errorf("append observability event: %w", err)
	}

	day := e.TS.Format("2006-01-02")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO observability_rollups (day, event, level, count) VALUES (?, ?, ?, 1)
		ON CONFLICT(day, event, level) DO UPDATE SET count = count + 1
	`, day, e.Event, e.Level)
	if err != nil {
		return fmt.Errorf("bump rollup: %w", err)
	}
	return tx.Commit()
}

// ByCorrelationID returns every observability event sharing a
// correlation id, in time order.
func (r *ObservabilityRepo) ByCorrelationID(ctx context.Context, correlationID string) ([]ObservabilityEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ts, level, event, correlation_id, channel, user_id, node, cycle, status, tool, error_code, latency_ms, detail_json
		FROM observability_events WHERE correlation_id=? ORDER BY ts ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query observability events: %w", err)
	}
	defer rows.Close()
	return scanObservabilityEvents(rows)
}

// ObservabilityRollup is one observability_rollups row: a count of
// events of a given kind and level on a given day.
type ObservabilityRollup struct {
	Day   string
	Event string
	Level string
	Count int
}

// RollupsForDay returns every (event, level) count recorded for day
// (format "2006-01-02"), used for trend reporting (§4.11).
func (r *ObservabilityRepo) RollupsForDay(ctx context.Context, day string) ([]ObservabilityRollup, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT day, event, level, count FROM observability_rollups WHERE day=? ORDER BY event ASC, level ASC
	`, day)
	if err != nil {
		return nil, fmt.Errorf("query observability rollups: %w", err)
	}
	defer rows.Close()
	var out []ObservabilityRollup
	for rows.Next() {
		var rr ObservabilityRollup
		if err := rows.Scan(&rr.Day, &rr.Event, &rr.Level, &rr.Count); err != nil {
			return nil, fmt.Errorf("scan observability rollup: %w", err)
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// Prune deletes rows past their retention TTL (differentiated by level)
// and enforces a global row cap with oldest-first deletion, matching
// §3's "non-errors 14 days, errors 30 days, row cap 10^6" policy.
func (r *ObservabilityRepo) Prune(ctx context.Context, now time.Time, nonErrorTTL, errorTTL time.Duration, maxRows int) error {
	nonErrorCutoff := now.Add(-nonErrorTTL).Format(time.RFC3339Nano)
	errorCutoff := now.Add(-errorTTL).Format(time.RFC3339Nano)

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM observability_events WHERE level != 'error' AND ts < ?
	`, nonErrorCutoff); err != nil {
		return fmt.Errorf("prune non-error events: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM observability_events WHERE level = 'error' AND ts < ?
	`, errorCutoff); err != nil {
		return fmt.Errorf("prune error events: %w", err)
	}

	if maxRows <= 0 {
		return nil
	}
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observability_events`).Scan(&total); err != nil {
		return fmt.Errorf("count observability events: %w", err)
	}
	if total <= maxRows {
		return nil
	}
	excess := total - maxRows
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM observability_events WHERE id IN (
			SELECT id FROM observability_events ORDER BY ts ASC LIMIT ?
		)
	`, excess); err != nil {
		return fmt.Errorf("enforce row cap: %w", err)
	}
	return nil
}

func scanObservabilityEvents(rows *sql.Rows) ([]ObservabilityEvent, error) {
	var out []ObservabilityEvent
	for rows.Next() {
		var e ObservabilityEvent
		var ts string
		var channel, userID, node, status, tool, errorCode, detail sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Event, &e.CorrelationID, &channel, &userID, &node,
			&e.Cycle, &status, &tool, &errorCode, &e.LatencyMS, &detail); err != nil {
			return nil, fmt.Errorf("scan observability event: %w", err)
		}
		e.TS, _ = time.Parse(time.RFC3339Nano, ts)
		e.Channel = channel.String
		e.UserID = userID.String
		e.Node = node.String
		e.Status = status.String
		e.Tool = tool.String
		e.ErrorCode = errorCode.String
		e.DetailJSON = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}
