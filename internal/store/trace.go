package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TraceRow is one fsm_trace event (§4.6 step 5, §8 invariant 6: every
// state-mutating operation writes a trace carrying the originating
// correlation id).
type TraceRow struct {
	ID            string
	TS            time.Time
	CorrelationID string
	StateBefore   string
	SignalType    string
	TransitionID  string
	ActionKey     string
	StateAfter    string
	Result        string
	ErrorSummary  string
}

// TraceRepo appends and reads FSM trace rows.
type TraceRepo struct{ db *sql.DB }

func (s *Store) Trace() *TraceRepo { return &TraceRepo{db: s.db} }

// AppendTx writes a trace row within the caller's transaction, so it
// commits atomically with the state change and side effects it
// describes.
func AppendTraceTx(ctx context.Context, tx *sql.Tx, row TraceRow) error {
	if row.ID == "" {
		row.ID = NewID()
	}
	if row.TS.IsZero() {
		row.TS = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fsm_trace (id, ts, correlation_id, state_before, signal_type, transition_id, action_key, state_after, result, error_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.TS.Format(time.RFC3339Nano), row.CorrelationID, nullIfEmpty(row.StateBefore),
		row.SignalType, nullIfEmpty(row.TransitionID), nullIfEmpty(row.ActionKey), nullIfEmpty(row.StateAfter),
		row.Result, nullIfEmpty(row.ErrorSummary))
	if err != nil {
		return fmt.Errorf("append trace row: %w", err)
	}
	return nil
}

// ByCorrelationID returns every trace row sharing a correlation id, in
// time order, used to verify end-to-end correlation-id propagation.
func (r *TraceRepo) ByCorrelationID(ctx context.Context, correlationID string) ([]TraceRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ts, correlation_id, state_before, signal_type, transition_id, action_key, state_after, result, error_summary
		FROM fsm_trace WHERE correlation_id = ? ORDER BY ts ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query trace by correlation id: %w", err)
	}
	defer rows.Close()

	var out []TraceRow
	for rows.Next() {
		var row TraceRow
		var ts string
		var stateBefore, transitionID, actionKey, stateAfter, errorSummary sql.NullString
		if err := rows.Scan(&row.ID, &ts, &row.CorrelationID, &stateBefore, &row.SignalType, &transitionID, &actionKey, &stateAfter, &row.Result, &errorSummary); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		row.TS, _ = time.Parse(time.RFC3339Nano, ts)
		row.StateBefore = stateBefore.String
		row.TransitionID = transitionID.String
		row.ActionKey = actionKey.String
		row.StateAfter = stateAfter.String
		row.ErrorSummary = errorSummary.String
		out = append(out, row)
	}
	return out, rows.Err()
}
