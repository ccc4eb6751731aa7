package actions

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/khabaznak/alphonse-agent/internal/render"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPdcaResumeIsStale_TrueWhenCheckpointNewerThanMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Slices().InsertTask(ctx, store.SliceTask{OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if _, err := s.Slices().WriteCheckpoint(ctx, taskID, "{}", "{}", 0); err != nil {
		t.Fatalf("WriteCheckpoint v1: %v", err)
	}
	if _, err := s.Slices().WriteCheckpoint(ctx, taskID, "{}", "{}", 1); err != nil {
		t.Fatalf("WriteCheckpoint v2: %v", err)
	}

	rt := &Runtime{Slices: s.Slices(), Render: render.NewRegistry(), Logger: slog.Default()}
	sig := Signal{Payload: map[string]any{"task_id": taskID, "message_version": float64(0)}}

	if !pdcaResumeIsStale(ctx, sig, rt) {
		t.Error("expected resume naming version 0 to be stale once checkpoint version 2 exists")
	}
}

func TestPdcaResumeIsStale_FalseWhenNoNewerCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Slices().InsertTask(ctx, store.SliceTask{OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if _, err := s.Slices().WriteCheckpoint(ctx, taskID, "{}", "{}", 0); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	rt := &Runtime{Slices: s.Slices(), Render: render.NewRegistry(), Logger: slog.Default()}
	sig := Signal{Payload: map[string]any{"task_id": taskID, "message_version": float64(1)}}

	if pdcaResumeIsStale(ctx, sig, rt) {
		t.Error("expected resume naming the current version to not be stale")
	}
}

func TestHandlePdcaResume_RequeuesWaitingTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Slices().InsertTask(ctx, store.SliceTask{OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	task, err := s.Slices().Task(ctx, taskID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	task.Status = "waiting_user"
	if err := s.Slices().Requeue(ctx, *task); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	rt := &Runtime{Slices: s.Slices(), Render: render.NewRegistry(), Logger: slog.Default()}
	sig := Signal{Payload: map[string]any{"task_id": taskID}}
	result := handlePdcaResume(ctx, sig, rt)
	if result.ResultCode != Succeeded {
		t.Fatalf("ResultCode = %v, want Succeeded", result.ResultCode)
	}

	updated, err := s.Slices().Task(ctx, taskID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if updated.Status != "queued" {
		t.Errorf("status = %q, want queued", updated.Status)
	}
}
