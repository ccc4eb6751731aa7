package plans

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/plans_test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s), s
}

const reminderSchema = `{
	"type": "object",
	"required": ["task"],
	"properties": {
		"task": {"type": "string", "minLength": 1}
	}
}`

func TestRegistry_ValidatePayloadAcceptsConformingDocument(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.RegisterKindVersion(ctx, "create_reminder", 1, reminderSchema, "", "create_reminder_v1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.ValidatePayload(ctx, "create_reminder", 1, map[string]any{"task": "water plants"}); err != nil {
		t.Errorf("expected valid payload to pass, got %v", err)
	}
}

func TestRegistry_ValidatePayloadRejectsMissingRequiredField(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.RegisterKindVersion(ctx, "create_reminder", 1, reminderSchema, "", "create_reminder_v1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.ValidatePayload(ctx, "create_reminder", 1, map[string]any{}); err == nil {
		t.Error("expected validation error for missing required field, got nil")
	}
}

func TestExecutor_RunOnceDispatchesQueuedInstanceToExecutor(t *testing.T) {
	reg, s := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.RegisterKindVersion(ctx, "create_reminder", 1, reminderSchema, "", "create_reminder_v1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	var gotTask string
	reg.RegisterExecutor("create_reminder_v1", func(_ context.Context, inst store.PlanInstance, _ *actions.Runtime) actions.Result {
		var payload map[string]any
		_ = json.Unmarshal([]byte(inst.PayloadJSON), &payload)
		gotTask, _ = payload["task"].(string)
		return actions.Result{ResultCode: actions.Succeeded}
	})

	if err := s.Plans().InsertInstance(ctx, store.PlanInstance{
		PlanKind:      "create_reminder",
		PlanVersion:   1,
		CorrelationID: "corr-1",
		PayloadJSON:   `{"task":"water plants"}`,
	}); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	exec := NewExecutor(ExecutorConfig{Registry: reg, Store: s, Runtime: &actions.Runtime{Logger: slog.Default()}})
	exec.RunOnce(ctx)

	if gotTask != "water plants" {
		t.Errorf("gotTask = %q, want %q", gotTask, "water plants")
	}
}

func TestExecutor_RunOnceFailsInstanceOnSchemaViolation(t *testing.T) {
	reg, s := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.RegisterKindVersion(ctx, "create_reminder", 1, reminderSchema, "", "create_reminder_v1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.RegisterExecutor("create_reminder_v1", func(_ context.Context, _ store.PlanInstance, _ *actions.Runtime) actions.Result {
		t.Fatal("executor should not run for an invalid payload")
		return actions.Result{}
	})

	if err := s.Plans().InsertInstance(ctx, store.PlanInstance{
		PlanKind:      "create_reminder",
		PlanVersion:   1,
		CorrelationID: "corr-2",
		PayloadJSON:   `{}`,
	}); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	exec := NewExecutor(ExecutorConfig{Registry: reg, Store: s, Runtime: &actions.Runtime{Logger: slog.Default()}})
	exec.RunOnce(ctx)

	time.Sleep(10 * time.Millisecond) // allow the (synchronous) dispatch to finish writing
	instances, err := s.Plans().ClaimQueuedInstances(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("expected no queued instances left, got %d", len(instances))
	}
}
