package slices

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

type captureSink struct {
	mu       sync.Mutex
	messages []actions.OutboundMessage
}

func (c *captureSink) Deliver(_ context.Context, msg actions.OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/slices_test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExecutor_YieldsAndCheckpointsAcrossSlices(t *testing.T) {
	s := newTestStore(t)
	b := bus.New(8, bus.Block)
	ctx := context.Background()

	taskID, err := s.Slices().InsertTask(ctx, store.SliceTask{
		OwnerID:           "user-1",
		Priority:          1,
		MaxCycles:         1, // one cycle per slice, forces a yield after cycle 1
		MaxRuntimeSeconds: 30,
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	cycleCount := 0
	cycleFn := func(_ context.Context, _ *store.SliceTask, taskState map[string]any, _ *actions.Runtime) CycleOutcome {
		cycleCount++
		next := map[string]any{"step": float64(cycleCount)}
		if cycleCount >= 2 {
			return CycleOutcome{Progress: true, Done: true, TaskState: next}
		}
		return CycleOutcome{Progress: true, TaskState: next}
	}

	exec := New(Config{Store: s, Bus: b, Runtime: &actions.Runtime{Logger: slog.Default()}, Logger: slog.Default(), CycleFunc: cycleFn, YieldWait: time.Nanosecond})

	// First slice: yields after cycle 1.
	exec.RunOnce(ctx)
	task, err := s.Slices().Task(ctx, taskID)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.Status != "queued" {
		t.Fatalf("status after first slice = %q, want queued (yielded)", task.Status)
	}
	cp, err := s.Slices().LatestCheckpoint(ctx, taskID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp == nil || cp.Version != 1 {
		t.Fatalf("checkpoint = %+v, want version 1", cp)
	}

	// Second slice: completes.
	exec.RunOnce(ctx)
	task, err = s.Slices().Task(ctx, taskID)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.Status != "done" {
		t.Fatalf("status after second slice = %q, want done", task.Status)
	}

	events, err := s.Slices().EventsForTask(ctx, taskID)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	want := []string{"slice.started", "slice.persisted", "slice.started", "slice.completed"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestExecutor_NoProgressAbortsAfterStreak(t *testing.T) {
	s := newTestStore(t)
	b := bus.New(8, bus.Block)
	ctx := context.Background()

	taskID, err := s.Slices().InsertTask(ctx, store.SliceTask{
		OwnerID:           "user-1",
		MaxCycles:         10,
		MaxRuntimeSeconds: 30,
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	cycleFn := func(_ context.Context, _ *store.SliceTask, _ map[string]any, _ *actions.Runtime) CycleOutcome {
		return CycleOutcome{Progress: false}
	}

	exec := New(Config{Store: s, Bus: b, Runtime: &actions.Runtime{Logger: slog.Default()}, Logger: slog.Default(), CycleFunc: cycleFn, NoProgressCycles: 2})
	exec.RunOnce(ctx)

	task, err := s.Slices().Task(ctx, taskID)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.Status != "failed" {
		t.Errorf("status = %q, want failed after exceeding no-progress streak", task.Status)
	}
}

func TestExecutor_WaitingUserParksTaskAndDeliversMessage(t *testing.T) {
	s := newTestStore(t)
	b := bus.New(8, bus.Block)
	ctx := context.Background()

	taskID, err := s.Slices().InsertTask(ctx, store.SliceTask{
		OwnerID:           "user-1",
		MaxCycles:         5,
		MaxRuntimeSeconds: 30,
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	sink := &captureSink{}
	cycleFn := func(_ context.Context, _ *store.SliceTask, _ map[string]any, _ *actions.Runtime) CycleOutcome {
		return CycleOutcome{
			WaitingUser:      true,
			OutboundMessages: []actions.OutboundMessage{{Message: "need more info"}},
		}
	}

	exec := New(Config{Store: s, Bus: b, Runtime: &actions.Runtime{Logger: slog.Default()}, Outbound: sink, Logger: slog.Default(), CycleFunc: cycleFn})
	exec.RunOnce(ctx)

	task, err := s.Slices().Task(ctx, taskID)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.Status != "waiting_user" {
		t.Errorf("status = %q, want waiting_user", task.Status)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.messages) != 1 || sink.messages[0].Message != "need more info" {
		t.Errorf("messages = %+v, want one 'need more info' message", sink.messages)
	}
	_ = taskID
	_ = time.Second
}
