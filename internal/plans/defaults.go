package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/store"
	"github.com/khabaznak/alphonse-agent/internal/timedsignals"
)

// reminderPayload mirrors fixtures/plans/create_reminder.yaml's schema.
type reminderPayload struct {
	Task          string `json:"task"`
	TriggerAt     string `json:"trigger_at"`
	ChannelType   string `json:"channel_type"`
	ChannelTarget string `json:"channel_target"`
}

// NewCreateReminderExecutor builds the executor_key "create_reminder_v1"
// bound to fixtures/plans/create_reminder.yaml (§4.8): it hands the
// reminder off to the timed scheduler rather than doing anything
// itself, so a reminder's due time is honored even across a restart.
// Once due, the scheduler publishes it as a timed_signal.fired signal
// whose payload kind is "create_reminder", which the catalog routes like
// any other inbound signal.
func NewCreateReminderExecutor(sched *timedsignals.Scheduler) ExecutorFunc {
	return func(ctx context.Context, inst store.PlanInstance, _ *actions.Runtime) actions.Result {
		var payload reminderPayload
		if err := json.Unmarshal([]byte(inst.PayloadJSON), &payload); err != nil {
			return actions.Result{ResultCode: actions.Failed, ErrorSummary: fmt.Sprintf("decode reminder payload: %v", err)}
		}
		triggerAt, err := time.Parse(time.RFC3339, payload.TriggerAt)
		if err != nil {
			return actions.Result{ResultCode: actions.Failed, ErrorSummary: fmt.Sprintf("invalid trigger_at %q: %v", payload.TriggerAt, err)}
		}

		_, err = sched.Schedule(ctx, store.TimedSignal{
			TriggerAt:  triggerAt,
			SignalType: "timed_signal.fired",
			Payload: map[string]any{
				"kind":           "create_reminder",
				"task":           payload.Task,
				"channel_type":   payload.ChannelType,
				"channel_target": payload.ChannelTarget,
			},
			Target:        payload.ChannelTarget,
			Origin:        "plan:" + inst.PlanID,
			CorrelationID: inst.CorrelationID,
		})
		if err != nil {
			return actions.Result{ResultCode: actions.Failed, ErrorSummary: fmt.Sprintf("schedule reminder: %v", err)}
		}
		return actions.Result{ResultCode: actions.Succeeded}
	}
}
