package timedsignals

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/timed_test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	b := bus.New(8, bus.Block)
	sched := New(Config{Store: s, Bus: b, Logger: slog.Default(), Interval: 10 * time.Millisecond})
	return sched, s, b
}

func TestScheduler_RunOnceFiresDueOneShot(t *testing.T) {
	sched, s, b := newTestScheduler(t)
	ctx := context.Background()

	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	id, err := sched.Schedule(ctx, store.TimedSignal{
		TriggerAt:     time.Now().Add(-time.Second),
		SignalType:    "timed_signal.fired",
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sched.RunOnce(ctx)

	select {
	case got := <-sub:
		if got.CorrelationID != "corr-1" {
			t.Errorf("CorrelationID = %q, want corr-1", got.CorrelationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fired signal on bus")
	}

	row, err := s.TimedSignals().ClaimDue(ctx, "test", time.Now().Add(time.Hour), time.Second, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	for _, r := range row {
		if r.ID == id {
			t.Errorf("fired signal %q should not still be claimable as due", id)
		}
	}
}

func TestScheduler_MissedOneShotIsMarkedFailed(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := sched.Schedule(ctx, store.TimedSignal{
		TriggerAt:     time.Now().Add(-time.Hour),
		SignalType:    "timed_signal.fired",
		CorrelationID: "corr-2",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sched.RunOnce(ctx)

	ts, err := s.TimedSignals().Get(ctx, id)
	if err != nil {
		t.Fatalf("get timed signal: %v", err)
	}
	if ts.Status != "failed" {
		t.Errorf("status = %q, want failed for a one-shot past its catch-up window", ts.Status)
	}
	if ts.LastError == "" {
		t.Error("expected last_error to be set")
	}
}

func TestScheduler_RecurringMissedWindowReschedulesForward(t *testing.T) {
	sched, s, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.Schedule(ctx, store.TimedSignal{
		TriggerAt:     time.Now().Add(-48 * time.Hour),
		RRule:         "FREQ=DAILY",
		SignalType:    "timed_signal.fired",
		CorrelationID: "corr-3",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sched.RunOnce(ctx)

	due, err := s.TimedSignals().ClaimDue(ctx, "test", time.Now().Add(25*time.Hour), time.Second, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(due) == 0 {
		t.Fatal("expected a rescheduled occurrence to exist")
	}
}
