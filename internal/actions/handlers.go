package actions

import (
	"context"
	"regexp"
	"strconv"
	"time"
)

// RegisterDefaults installs the minimum required action handlers named
// in §4.7: shutdown, handle_incoming_message, handle_timer_fired,
// handle_action_failure, handle_status, handle_timed_signals, plus
// handle_plan_run (the follow-up handler the Plan Registry's plan.run
// signal resolves to, §4.8). statusFn and pendingTimedFn let the
// wiring layer supply live numbers without this package importing the
// scheduler or bus.
func RegisterDefaults(reg *Registry, statusFn func() (state string, uptime time.Duration), pendingTimedFn func() int) {
	reg.Register("shutdown", handleShutdown)
	reg.Register("handle_incoming_message", handleIncomingMessage)
	reg.Register("handle_timer_fired", handleTimerFired)
	reg.Register("handle_action_failure", handleActionFailure)
	reg.Register("handle_status", handleStatus(statusFn))
	reg.Register("handle_timed_signals", handleTimedSignalsStatus(pendingTimedFn))
	reg.Register("handle_plan_run", handlePlanRun)
	reg.Register("handle_pdca_resume", handlePdcaResume)
}

func handleShutdown(_ context.Context, sig Signal, rt *Runtime) Result {
	text, _ := rt.Render.Render("shutdown.ack", nil)
	channelType, _ := sig.Payload["channel_type"].(string)
	channelTarget, _ := sig.Payload["channel_target"].(string)
	msgs := []OutboundMessage{}
	if channelType != "" {
		msgs = append(msgs, OutboundMessage{
			Message:       text,
			ChannelType:   channelType,
			ChannelTarget: channelTarget,
			CorrelationID: sig.CorrelationID,
		})
	}
	return Result{OutboundMessages: msgs, ResultCode: Succeeded}
}

var reminderPattern = regexp.MustCompile(`(?i)remind me to (.+) in (\d+)\s*(second|minute|hour)s?`)

// handleIncomingMessage is the required text-routing handler (§8
// scenario 2). It recognizes a narrow "remind me to X in N <unit>"
// command, resolves it through the ability catalog to a plan_kind and
// version (§9), and emits a plan request the Plan Registry & Executor
// then carries out; anything else gets a plain acknowledgement. Richer
// intent parsing belongs to an LLM-backed action registered by a
// deployment, not the core.
func handleIncomingMessage(_ context.Context, sig Signal, rt *Runtime) Result {
	text, _ := sig.Payload["text"].(string)
	channelType, _ := sig.Payload["channel_type"].(string)
	if channelType == "" {
		channelType, _ = sig.Payload["channel"].(string)
	}
	channelTarget, _ := sig.Payload["channel_target"].(string)
	userID, _ := sig.Payload["user_id"].(string)

	if m := reminderPattern.FindStringSubmatch(text); m != nil {
		task := m[1]
		n, err := strconv.Atoi(m[2])
		if err == nil {
			var d time.Duration
			switch m[3] {
			case "second":
				d = time.Duration(n) * time.Second
			case "minute":
				d = time.Duration(n) * time.Minute
			case "hour":
				d = time.Duration(n) * time.Hour
			}
			triggerAt := time.Now().Add(d)
			ack, _ := rt.Render.Render("ack.reminder_scheduled", map[string]any{
				"task": task,
				"when": triggerAt.Format(time.RFC3339),
			})
			result := Result{
				ResultCode: Succeeded,
				OutboundMessages: []OutboundMessage{{
					Message:       ack,
					ChannelType:   channelType,
					ChannelTarget: channelTarget,
					Audience:      Audience{Kind: "user", ID: userID},
					CorrelationID: sig.CorrelationID,
				}},
			}
			if rt.Abilities != nil {
				if ability, ok := rt.Abilities.Resolve("schedule_reminder"); ok {
					result.Plans = []PlanRequest{{
						PlanKind:    ability.PlanKind,
						PlanVersion: ability.PlanVersion,
						Payload: map[string]any{
							"task":           task,
							"trigger_at":     triggerAt.Format(time.RFC3339),
							"channel_type":   channelType,
							"channel_target": channelTarget,
						},
						Actor:            userID,
						SourceChannel:    channelType,
						IntentConfidence: 1,
					}}
					return result
				}
			}
			// No ability catalog entry resolved the intent: fall back to
			// scheduling the reminder directly rather than dropping it.
			result.TimedSignals = []TimedSignalRequest{{
				TriggerAt:  triggerAt,
				SignalType: "timed_signal.fired",
				Payload: map[string]any{
					"kind":           "create_reminder",
					"task":           task,
					"channel_type":   channelType,
					"channel_target": channelTarget,
					"user_id":        userID,
				},
				Target: channelTarget,
				Origin: "handle_incoming_message",
			}}
			return result
		}
	}

	ack, _ := rt.Render.Render("ack.message_received", nil)
	return Result{
		ResultCode: Succeeded,
		OutboundMessages: []OutboundMessage{{
			Message:       ack,
			ChannelType:   channelType,
			ChannelTarget: channelTarget,
			Audience:      Audience{Kind: "user", ID: userID},
			CorrelationID: sig.CorrelationID,
		}},
	}
}

// handleTimerFired handles both timer.fired (internal tick) and
// timed_signal.fired (scheduler dispatch, §8 scenario 3). For a
// create_reminder payload it renders the reminder text to the original
// target, preserving the correlation id the signal was scheduled with.
func handleTimerFired(_ context.Context, sig Signal, rt *Runtime) Result {
	kind, _ := sig.Payload["kind"].(string)
	if kind != "create_reminder" {
		return Result{ResultCode: Succeeded}
	}
	task, _ := sig.Payload["task"].(string)
	channelType, _ := sig.Payload["channel_type"].(string)
	channelTarget, _ := sig.Payload["channel_target"].(string)
	userID, _ := sig.Payload["user_id"].(string)

	text, _ := rt.Render.Render("reminder.fired", map[string]any{"task": task})
	return Result{
		ResultCode: Succeeded,
		OutboundMessages: []OutboundMessage{{
			Message:       text,
			ChannelType:   channelType,
			ChannelTarget: channelTarget,
			Audience:      Audience{Kind: "user", ID: userID},
			CorrelationID: sig.CorrelationID,
		}},
	}
}

// handleActionFailure is the catch-all bound to the wildcard
// action.failed transition (§4.6 failure semantics). It never re-throws;
// it logs and, when the originating channel is known, tells the user
// calmly that something went wrong.
func handleActionFailure(_ context.Context, sig Signal, rt *Runtime) Result {
	reason, _ := sig.Payload["error_summary"].(string)
	rt.Logger.Warn("action failed", "correlation_id", sig.CorrelationID, "reason", reason)

	channelType, _ := sig.Payload["channel_type"].(string)
	channelTarget, _ := sig.Payload["channel_target"].(string)
	if channelType == "" {
		return Result{ResultCode: Succeeded}
	}
	text, _ := rt.Render.Render("generic.unknown", nil)
	return Result{
		ResultCode: Succeeded,
		OutboundMessages: []OutboundMessage{{
			Message:       text,
			ChannelType:   channelType,
			ChannelTarget: channelTarget,
			CorrelationID: sig.CorrelationID,
		}},
	}
}

func handleStatus(statusFn func() (string, time.Duration)) Func {
	return func(_ context.Context, sig Signal, rt *Runtime) Result {
		state, uptime := "unknown", time.Duration(0)
		if statusFn != nil {
			state, uptime = statusFn()
		}
		channelType, _ := sig.Payload["channel_type"].(string)
		channelTarget, _ := sig.Payload["channel_target"].(string)
		text, _ := rt.Render.Render("status.summary", map[string]any{"state": state, "uptime": uptime.String()})
		return Result{
			ResultCode: Succeeded,
			OutboundMessages: []OutboundMessage{{
				Message:       text,
				ChannelType:   channelType,
				ChannelTarget: channelTarget,
				CorrelationID: sig.CorrelationID,
			}},
		}
	}
}

func handleTimedSignalsStatus(pendingFn func() int) Func {
	return func(_ context.Context, sig Signal, rt *Runtime) Result {
		pending := 0
		if pendingFn != nil {
			pending = pendingFn()
		}
		channelType, _ := sig.Payload["channel_type"].(string)
		channelTarget, _ := sig.Payload["channel_target"].(string)
		text, _ := rt.Render.Render("timed_signals.summary", map[string]any{"pending": pending})
		return Result{
			ResultCode: Succeeded,
			OutboundMessages: []OutboundMessage{{
				Message:       text,
				ChannelType:   channelType,
				ChannelTarget: channelTarget,
				CorrelationID: sig.CorrelationID,
			}},
		}
	}
}

// handlePlanRun is a placeholder bound to the plan.run signal; the real
// claim/validate/dispatch cycle lives in the Plan Executor (internal/
// plans), which drains plan_instances independently of the FSM. This
// handler only exists so the catalog's wildcard action-key validation
// at boot finds a registered entry for it; the FSM step itself does no
// plan work.
func handlePlanRun(_ context.Context, _ Signal, _ *Runtime) Result {
	return Result{ResultCode: Succeeded}
}

// handlePdcaResume is bound to the non-stale branch of pdca.resume_requested
// (§4.10 step 6): the pdca_resume_stale guard already ruled out a resume
// naming an outdated checkpoint version, so this wakes the task by
// requeuing it for immediate pickup rather than waiting for next_run_at.
func handlePdcaResume(ctx context.Context, sig Signal, rt *Runtime) Result {
	taskID, _ := sig.Payload["task_id"].(string)
	if taskID == "" || rt.Slices == nil {
		return Result{ResultCode: Succeeded}
	}
	task, err := rt.Slices.Task(ctx, taskID)
	if err != nil {
		return Result{ResultCode: Failed, ErrorSummary: "load task for resume: " + err.Error()}
	}
	if task == nil {
		return Result{ResultCode: Succeeded}
	}
	if task.Status == "waiting_user" || task.Status == "paused" {
		task.Status = "queued"
	}
	task.NextRunAt = time.Now().UTC()
	if err := rt.Slices.Requeue(ctx, *task); err != nil {
		return Result{ResultCode: Failed, ErrorSummary: "requeue resumed task: " + err.Error()}
	}
	return Result{ResultCode: Succeeded}
}
