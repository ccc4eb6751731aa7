package actions

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/abilities"
	"github.com/khabaznak/alphonse-agent/internal/render"
)

func testRuntime() *Runtime {
	return &Runtime{
		Render: render.NewRegistry(),
		Logger: slog.Default(),
	}
}

func TestHandleIncomingMessage_ReminderSchedulesTimedSignal(t *testing.T) {
	sig := Signal{
		CorrelationID: "C1",
		Payload: map[string]any{
			"text":           "remind me to water the plants in 1 minute",
			"channel_type":   "cli",
			"channel_target": "local",
		},
	}
	result := handleIncomingMessage(context.Background(), sig, testRuntime())

	if result.ResultCode != Succeeded {
		t.Fatalf("ResultCode = %v, want Succeeded", result.ResultCode)
	}
	if len(result.TimedSignals) != 1 {
		t.Fatalf("TimedSignals = %d, want 1", len(result.TimedSignals))
	}
	ts := result.TimedSignals[0]
	if ts.Payload["kind"] != "create_reminder" {
		t.Errorf("payload kind = %v, want create_reminder", ts.Payload["kind"])
	}
	if ts.Payload["task"] != "water the plants" {
		t.Errorf("payload task = %v, want %q", ts.Payload["task"], "water the plants")
	}
	wantNotBefore := time.Now().Add(50 * time.Second)
	if ts.TriggerAt.Before(wantNotBefore) {
		t.Errorf("TriggerAt = %v, want at least 50s from now", ts.TriggerAt)
	}
	if len(result.OutboundMessages) != 1 {
		t.Fatalf("OutboundMessages = %d, want 1", len(result.OutboundMessages))
	}
}

func TestHandleIncomingMessage_ReminderResolvesAbilityToPlan(t *testing.T) {
	reg, err := abilities.NewRegistry([]abilities.Ability{
		{Name: "schedule_reminder", PlanKind: "create_reminder", PlanVersion: 1},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rt := testRuntime()
	rt.Abilities = reg

	sig := Signal{
		CorrelationID: "C5",
		Payload: map[string]any{
			"text":           "remind me to water the plants in 1 minute",
			"channel_type":   "cli",
			"channel_target": "local",
		},
	}
	result := handleIncomingMessage(context.Background(), sig, rt)

	if len(result.TimedSignals) != 0 {
		t.Errorf("TimedSignals = %d, want 0 once an ability resolves to a plan", len(result.TimedSignals))
	}
	if len(result.Plans) != 1 {
		t.Fatalf("Plans = %d, want 1", len(result.Plans))
	}
	p := result.Plans[0]
	if p.PlanKind != "create_reminder" || p.PlanVersion != 1 {
		t.Errorf("plan = %+v, want kind=create_reminder version=1", p)
	}
	if p.Payload["task"] != "water the plants" {
		t.Errorf("payload task = %v, want 'water the plants'", p.Payload["task"])
	}
	if len(result.OutboundMessages) != 1 {
		t.Fatalf("OutboundMessages = %d, want 1", len(result.OutboundMessages))
	}
}

func TestHandleIncomingMessage_PlainTextAcksOnly(t *testing.T) {
	sig := Signal{CorrelationID: "C2", Payload: map[string]any{"text": "hello there", "channel_type": "cli"}}
	result := handleIncomingMessage(context.Background(), sig, testRuntime())

	if len(result.TimedSignals) != 0 {
		t.Errorf("TimedSignals = %d, want 0 for plain text", len(result.TimedSignals))
	}
	if len(result.OutboundMessages) != 1 {
		t.Fatalf("OutboundMessages = %d, want 1", len(result.OutboundMessages))
	}
}

func TestHandleShutdown_AcksWhenChannelKnown(t *testing.T) {
	sig := Signal{CorrelationID: "C3", Payload: map[string]any{"channel_type": "cli", "channel_target": "local"}}
	result := handleShutdown(context.Background(), sig, testRuntime())
	if result.ResultCode != Succeeded {
		t.Fatalf("ResultCode = %v, want Succeeded", result.ResultCode)
	}
	if len(result.OutboundMessages) != 1 {
		t.Fatalf("OutboundMessages = %d, want 1", len(result.OutboundMessages))
	}
}

func TestHandleTimerFired_IgnoresNonReminderPayload(t *testing.T) {
	sig := Signal{CorrelationID: "C4", Payload: map[string]any{"kind": "something_else"}}
	result := handleTimerFired(context.Background(), sig, testRuntime())
	if len(result.OutboundMessages) != 0 {
		t.Errorf("OutboundMessages = %d, want 0 for non-reminder payload", len(result.OutboundMessages))
	}
}

func TestRegistry_RegisterDefaultsInstallsRequiredKeys(t *testing.T) {
	reg := NewRegistry()
	RegisterDefaults(reg, func() (string, time.Duration) { return "idle", time.Second }, func() int { return 0 })

	required := []string{
		"shutdown", "handle_incoming_message", "handle_timer_fired",
		"handle_action_failure", "handle_status", "handle_timed_signals", "handle_plan_run",
	}
	for _, key := range required {
		if _, ok := reg.Get(key); !ok {
			t.Errorf("expected action %q to be registered", key)
		}
	}
}
