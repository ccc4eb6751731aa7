package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SliceTask is a pdca_tasks row (§3 Task Slice, §4.10).
type SliceTask struct {
	TaskID               string
	OwnerID              string
	ConversationKey      string
	SessionID            string
	Status               string // queued, running, waiting_user, done, failed, paused
	Priority             int
	NextRunAt            time.Time
	LeaseUntil           *time.Time
	WorkerID             string
	SliceCycles          int
	MaxCycles            int
	MaxRuntimeSeconds    int
	TokenBudgetRemaining int
	FailureStreak        int
	LastError            string
}

// SliceCheckpoint is a pdca_checkpoints row (§3 Checkpoint): one row per
// task, CAS-guarded on Version.
type SliceCheckpoint struct {
	TaskID        string
	StateJSON     string
	TaskStateJSON string
	Version       int
}

// SliceRepo persists slice-executor tasks, checkpoints, and events.
type SliceRepo struct{ db *sql.DB }

func (s *Store) Slices() *SliceRepo { return &SliceRepo{db: s.db} }

// InsertTask creates a new queued task.
func (r *SliceRepo) InsertTask(ctx context.Context, t SliceTask) (string, error) {
	return insertSliceTask(ctx, r.db, t)
}

// InsertSliceTaskTx inserts a pdca_tasks row within the caller's
// transaction, so an FSM step can hand off a multi-cycle task
// atomically with the trace row and state update that produced it
// (§4.6 step 5, testable invariant 2: "all persisted or none").
func InsertSliceTaskTx(ctx context.Context, tx *sql.Tx, t SliceTask) (string, error) {
	return insertSliceTask(ctx, tx, t)
}

func insertSliceTask(ctx context.Context, db execer, t SliceTask) (string, error) {
	if t.TaskID == "" {
		t.TaskID = NewID()
	}
	if t.Status == "" {
		t.Status = "queued"
	}
	if t.NextRunAt.IsZero() {
		t.NextRunAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO pdca_tasks (task_id, owner_id, conversation_key, session_id, status, priority, next_run_at,
			slice_cycles, max_cycles, max_runtime_seconds, token_budget_remaining, failure_streak, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, ?)
	`, t.TaskID, t.OwnerID, nullIfEmpty(t.ConversationKey), nullIfEmpty(t.SessionID), t.Status, t.Priority,
		t.NextRunAt.Format(time.RFC3339Nano), t.MaxCycles, t.MaxRuntimeSeconds, t.TokenBudgetRemaining,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert slice task: %w", err)
	}
	return t.TaskID, nil
}

// AcquireNext selects the next runnable task by (priority DESC,
// next_run_at ASC, updated_at ASC) and acquires a lease for workerID,
// reclaiming any task whose lease has already expired.
func (r *SliceRepo) AcquireNext(ctx context.Context, workerID string, leaseTTL time.Duration, now time.Time) (*SliceTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		UPDATE pdca_tasks SET status='queued' WHERE status='running' AND lease_until < ?
	`, nowStr); err != nil {
		return nil, fmt.Errorf("reclaim stale leases: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT task_id FROM pdca_tasks
		WHERE status='queued' AND next_run_at <= ?
		ORDER BY priority DESC, next_run_at ASC, updated_at ASC LIMIT 1
	`, nowStr)
	var taskID string
	if err := row.Scan(&taskID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select runnable task: %w", err)
	}

	leaseUntil := now.Add(leaseTTL).Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE pdca_tasks SET status='running', lease_until=?, worker_id=?, updated_at=? WHERE task_id=? AND status='queued'
	`, leaseUntil, workerID, nowStr, taskID)
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %q: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty claim: %w", err)
		}
		return nil, nil // lost the race to another worker
	}

	t, err := r.scanTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire: %w", err)
	}
	return t, nil
}

func (r *SliceRepo) scanTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*SliceTask, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT task_id, owner_id, conversation_key, session_id, status, priority, next_run_at, lease_until,
			worker_id, slice_cycles, max_cycles, max_runtime_seconds, token_budget_remaining, failure_streak, last_error
		FROM pdca_tasks WHERE task_id=?
	`, taskID)
	return scanSliceTask(row)
}

// Task loads a task by id.
func (r *SliceRepo) Task(ctx context.Context, taskID string) (*SliceTask, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT task_id, owner_id, conversation_key, session_id, status, priority, next_run_at, lease_until,
			worker_id, slice_cycles, max_cycles, max_runtime_seconds, token_budget_remaining, failure_streak, last_error
		FROM pdca_tasks WHERE task_id=?
	`, taskID)
	return scanSliceTask(row)
}

// Requeue persists the outcome of a completed slice: updated cycle
// count, budgets, failure streak, next_run_at, and releases the lease.
func (r *SliceRepo) Requeue(ctx context.Context, t SliceTask) error {
	var leaseUntil any
	if t.LeaseUntil != nil {
		leaseUntil = t.LeaseUntil.Format(time.RFC3339Nano)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE pdca_tasks SET status=?, priority=?, next_run_at=?, lease_until=?, worker_id=?,
			slice_cycles=?, token_budget_remaining=?, failure_streak=?, last_error=?, updated_at=?
		WHERE task_id=?
	`, t.Status, t.Priority, t.NextRunAt.Format(time.RFC3339Nano), leaseUntil, nullIfEmpty(t.WorkerID),
		t.SliceCycles, t.TokenBudgetRemaining, t.FailureStreak, nullIfEmpty(t.LastError),
		time.Now().UTC().Format(time.RFC3339Nano), t.TaskID)
	if err != nil {
		return fmt.Errorf("requeue task %q: %w", t.TaskID, err)
	}
	return nil
}

// LatestCheckpoint returns the current checkpoint for a task, or nil if
// none has been written yet.
func (r *SliceRepo) LatestCheckpoint(ctx context.Context, taskID string) (*SliceCheckpoint, error) {
	var cp SliceCheckpoint
	err := r.db.QueryRowContext(ctx, `
		SELECT task_id, state_json, task_state_json, version FROM pdca_checkpoints WHERE task_id=?
	`, taskID).Scan(&cp.TaskID, &cp.StateJSON, &cp.TaskStateJSON, &cp.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %q: %w", taskID, err)
	}
	return &cp, nil
}

// ErrStaleCheckpoint is returned by WriteCheckpoint when the expected
// previous version does not match what is stored, signaling a lost
// compare-and-swap race (§3 Checkpoint, §8 invariant 5).
var ErrStaleCheckpoint = fmt.Errorf("slices: stale checkpoint version")

// WriteCheckpoint performs the compare-and-swap write: it succeeds only
// if the stored version equals expectedPrevVersion (0 for the first
// checkpoint of a task), then stores newVersion = expectedPrevVersion+1.
func (r *SliceRepo) WriteCheckpoint(ctx context.Context, taskID, stateJSON, taskStateJSON string, expectedPrevVersion int) (int, error) {
	newVersion := expectedPrevVersion + 1
	if expectedPrevVersion == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO pdca_checkpoints (task_id, state_json, task_state_json, version)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET state_json=excluded.state_json, task_state_json=excluded.task_state_json, version=excluded.version
			WHERE pdca_checkpoints.version = 0
		`, taskID, stateJSON, taskStateJSON, newVersion)
		if err != nil {
			return 0, fmt.Errorf("write initial checkpoint %q: %w", taskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, ErrStaleCheckpoint
		}
		return newVersion, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE pdca_checkpoints SET state_json=?, task_state_json=?, version=? WHERE task_id=? AND version=?
	`, stateJSON, taskStateJSON, newVersion, taskID, expectedPrevVersion)
	if err != nil {
		return 0, fmt.Errorf("write checkpoint %q: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleCheckpoint
	}
	return newVersion, nil
}

// AppendEvent records a pdca_events row (slice.started, slice.persisted,
// slice.completed, etc.).
func (r *SliceRepo) AppendEvent(ctx context.Context, taskID, event, detailJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pdca_events (id, task_id, ts, event, detail_json) VALUES (?, ?, ?, ?, ?)
	`, NewID(), taskID, time.Now().UTC().Format(time.RFC3339Nano), event, nullIfEmpty(detailJSON))
	if err != nil {
		return fmt.Errorf("append slice event %q: %w", event, err)
	}
	return nil
}

// EventsForTask returns the event sequence for a task, in time order,
// used to assert the slice.started/persisted/completed sequencing from
// §8's end-to-end scenarios.
func (r *SliceRepo) EventsForTask(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT event FROM pdca_events WHERE task_id=? ORDER BY ts ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query slice events: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanSliceTask(row *sql.Row) (*SliceTask, error) {
	var t SliceTask
	var conversationKey, sessionID, workerID, lastError sql.NullString
	var leaseUntil sql.NullString
	var nextRunAt string
	err := row.Scan(&t.TaskID, &t.OwnerID, &conversationKey, &sessionID, &t.Status, &t.Priority, &nextRunAt,
		&leaseUntil, &workerID, &t.SliceCycles, &t.MaxCycles, &t.MaxRuntimeSeconds, &t.TokenBudgetRemaining,
		&t.FailureStreak, &lastError)
	if err != nil {
		return nil, err
	}
	t.ConversationKey = conversationKey.String
	t.SessionID = sessionID.String
	t.WorkerID = workerID.String
	t.LastError = lastError.String
	t.NextRunAt, _ = time.Parse(time.RFC3339Nano, nextRunAt)
	if leaseUntil.Valid {
		lu, _ := time.Parse(time.RFC3339Nano, leaseUntil.String)
		t.LeaseUntil = &lu
	}
	return &t, nil
}
