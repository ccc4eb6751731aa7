package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesCleanly(t *testing.T) {
	s := newTestStore(t)
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("applied %d migrations, want %d", count, len(migrations))
	}
}

func TestSignalRepo_EnqueueIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sig := QueuedSignal{ID: "dup-1", Type: "cli.message_received", Source: "cli", CorrelationID: "c1", Durable: true}

	if err := s.Signals().Enqueue(ctx, sig); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := s.Signals().Enqueue(ctx, sig); err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM signal_queue WHERE id = ?`, sig.ID).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("signal_queue has %d rows for id %q, want 1", count, sig.ID)
	}
}

func TestSignalRepo_ClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Signals().Enqueue(ctx, QueuedSignal{ID: "s1", Type: "t", Source: "cli", CorrelationID: "c1", Durable: true}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimedA, err := s.Signals().Claim(ctx, "worker-a", 10)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimedA) != 1 {
		t.Fatalf("worker-a claimed %d signals, want 1", len(claimedA))
	}

	claimedB, err := s.Signals().Claim(ctx, "worker-b", 10)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimedB) != 0 {
		t.Errorf("worker-b claimed %d signals, want 0 (already claimed)", len(claimedB))
	}
}

func TestSliceRepo_CheckpointCASRejectsStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Slices().InsertTask(ctx, SliceTask{OwnerID: "u1", MaxCycles: 3})
	if err != nil {
		t.Fatalf("InsertTask() error = %v", err)
	}

	v1, err := s.Slices().WriteCheckpoint(ctx, taskID, `{}`, `{}`, 0)
	if err != nil {
		t.Fatalf("first WriteCheckpoint() error = %v", err)
	}
	if v1 != 1 {
		t.Fatalf("first checkpoint version = %d, want 1", v1)
	}

	if _, err := s.Slices().WriteCheckpoint(ctx, taskID, `{}`, `{}`, 0); err != ErrStaleCheckpoint {
		t.Errorf("WriteCheckpoint() with stale prevVersion error = %v, want ErrStaleCheckpoint", err)
	}

	v2, err := s.Slices().WriteCheckpoint(ctx, taskID, `{"x":1}`, `{}`, v1)
	if err != nil {
		t.Fatalf("second WriteCheckpoint() error = %v", err)
	}
	if v2 != 2 {
		t.Errorf("second checkpoint version = %d, want 2", v2)
	}
}

func TestTraceRepo_ByCorrelationID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		return AppendTraceTx(ctx, tx, TraceRow{CorrelationID: "c1", SignalType: "cli.message_received", Result: "succeeded"})
	})
	if err != nil {
		t.Fatalf("Tx() error = %v", err)
	}
	rows, err := s.Trace().ByCorrelationID(ctx, "c1")
	if err != nil {
		t.Fatalf("ByCorrelationID() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ByCorrelationID() returned %d rows, want 1", len(rows))
	}
	if rows[0].CorrelationID != "c1" {
		t.Errorf("row correlation id = %q, want %q", rows[0].CorrelationID, "c1")
	}
}

func TestTimedSignalRepo_ClaimDueReclaimsStaleLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id, err := s.TimedSignals().Insert(ctx, TimedSignal{TriggerAt: now.Add(-time.Minute), SignalType: "timed_signal.fired", CorrelationID: "c1"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	claimed, err := s.TimedSignals().ClaimDue(ctx, "worker-a", now, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("ClaimDue() = %+v, want one row with id %q", claimed, id)
	}

	// Simulate a crash: the row stays 'processing'. Advance time past
	// the lease and confirm it is reclaimed.
	later := now.Add(10 * time.Minute)
	reclaimed, err := s.TimedSignals().ClaimDue(ctx, "worker-b", later, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue() (reclaim) error = %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != id {
		t.Fatalf("reclaim ClaimDue() = %+v, want one row with id %q", reclaimed, id)
	}
}

func TestTimedSignalRepo_CountPendingExcludesClaimedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.TimedSignals().Insert(ctx, TimedSignal{TriggerAt: now.Add(time.Hour), SignalType: "timed_signal.fired", CorrelationID: "c1"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	id2, err := s.TimedSignals().Insert(ctx, TimedSignal{TriggerAt: now.Add(-time.Minute), SignalType: "timed_signal.fired", CorrelationID: "c2"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	n, err := s.TimedSignals().CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("CountPending() = %d, want 2", n)
	}

	if _, err := s.TimedSignals().ClaimDue(ctx, "worker-a", now, 5*time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	n, err = s.TimedSignals().CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("CountPending() after claiming %q = %d, want 1", id2, n)
	}
}
