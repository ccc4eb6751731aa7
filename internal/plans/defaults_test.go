package plans

import (
	"context"
	"testing"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/store"
	"github.com/khabaznak/alphonse-agent/internal/timedsignals"
)

func TestCreateReminderExecutor_SchedulesTimedSignal(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/reminder_test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sched := timedsignals.New(timedsignals.Config{Store: s})
	exec := NewCreateReminderExecutor(sched)

	inst := store.PlanInstance{
		PlanID:        store.NewID(),
		PlanKind:      "create_reminder",
		PlanVersion:   1,
		CorrelationID: "corr-1",
		PayloadJSON:   `{"task":"water the plants","trigger_at":"2026-08-01T09:00:00Z","channel_type":"cli","channel_target":"local"}`,
	}

	result := exec(context.Background(), inst, &actions.Runtime{})
	if result.ResultCode != actions.Succeeded {
		t.Fatalf("result = %+v, want succeeded", result)
	}

	due, err := s.TimedSignals().ClaimDue(context.Background(), "test-worker", time.Date(2026, 8, 1, 9, 1, 0, 0, time.UTC), time.Minute, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("claimed %d timed signals, want 1", len(due))
	}
	if due[0].SignalType != "timed_signal.fired" {
		t.Errorf("signal_type = %q, want timed_signal.fired", due[0].SignalType)
	}
	if due[0].Payload["kind"] != "create_reminder" {
		t.Errorf("payload kind = %v, want create_reminder", due[0].Payload["kind"])
	}
	if due[0].Payload["task"] != "water the plants" {
		t.Errorf("payload task = %v, want 'water the plants'", due[0].Payload["task"])
	}
}

func TestCreateReminderExecutor_RejectsBadTriggerAt(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/reminder_bad_test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sched := timedsignals.New(timedsignals.Config{Store: s})
	exec := NewCreateReminderExecutor(sched)

	inst := store.PlanInstance{
		PlanID:      store.NewID(),
		PayloadJSON: `{"task":"x","trigger_at":"not-a-time"}`,
	}
	result := exec(context.Background(), inst, &actions.Runtime{})
	if result.ResultCode != actions.Failed {
		t.Fatalf("result = %+v, want failed", result)
	}
}
