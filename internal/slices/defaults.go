package slices

import (
	"context"
	"fmt"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/store"
	"github.com/khabaznak/alphonse-agent/internal/tools"
)

// step is one planned unit of work: the "plan" half of a plan/decide/act/check
// cycle, carried in a task's checkpointed state under "remaining".
type step struct {
	Tool          string         `json:"tool,omitempty"`
	Args          map[string]any `json:"args,omitempty"`
	Message       string         `json:"message,omitempty"`
	ChannelType   string         `json:"channel_type,omitempty"`
	ChannelTarget string         `json:"channel_target,omitempty"`
}

// DefaultCycleFunc is the bundled PDCA step (§4.10): "decide" pops the
// next queued step off the checkpointed "remaining" list, "act" runs
// its tool (if any) or queues its message, "check" reports progress and
// re-checkpoints whatever is left. A task seeded with no steps is done
// on its first cycle.
func DefaultCycleFunc(ctx context.Context, _ *store.SliceTask, taskState map[string]any, rt *actions.Runtime) CycleOutcome {
	remaining, ok := stepsFromState(taskState)
	if !ok || len(remaining) == 0 {
		return CycleOutcome{Done: true, TaskState: taskState}
	}

	current := remaining[0]
	rest := remaining[1:]

	var outboundText string
	var errSummary string
	failed := false

	switch {
	case current.Tool != "" && rt != nil && rt.Tools != nil:
		result := rt.Tools.Execute(ctx, current.Tool, current.Args)
		if result.Status == tools.StatusFailed {
			failed = true
			errSummary = result.Error
		} else {
			outboundText = fmt.Sprintf("%v", result.Result)
		}
	case current.Message != "":
		outboundText = current.Message
	}

	outcome := CycleOutcome{
		Progress:     true,
		TaskState:    map[string]any{"remaining": stepsToState(rest)},
		Failed:       failed,
		ErrorSummary: errSummary,
	}
	if len(rest) == 0 && !failed {
		outcome.Done = true
	}
	if outboundText != "" {
		outcome.OutboundMessages = []actions.OutboundMessage{{
			Message:       outboundText,
			ChannelType:   current.ChannelType,
			ChannelTarget: current.ChannelTarget,
		}}
	}
	return outcome
}

// stepsFromState decodes taskState["remaining"] (produced either by a
// plan executor seeding the first checkpoint, or by a prior cycle of
// this same function) into a step slice.
func stepsFromState(taskState map[string]any) ([]step, bool) {
	raw, ok := taskState["remaining"]
	if !ok {
		return nil, false
	}
	rawList, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	steps := make([]step, 0, len(rawList))
	for _, item := range rawList {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var s step
		if v, ok := m["tool"].(string); ok {
			s.Tool = v
		}
		if v, ok := m["args"].(map[string]any); ok {
			s.Args = v
		}
		if v, ok := m["message"].(string); ok {
			s.Message = v
		}
		if v, ok := m["channel_type"].(string); ok {
			s.ChannelType = v
		}
		if v, ok := m["channel_target"].(string); ok {
			s.ChannelTarget = v
		}
		steps = append(steps, s)
	}
	return steps, true
}

func stepsToState(steps []step) []any {
	out := make([]any, 0, len(steps))
	for _, s := range steps {
		out = append(out, map[string]any{
			"tool":           s.Tool,
			"args":           s.Args,
			"message":        s.Message,
			"channel_type":   s.ChannelType,
			"channel_target": s.ChannelTarget,
		})
	}
	return out
}
