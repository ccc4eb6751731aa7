package actions

import "context"

// RegisterDefaultGuards installs the guard predicates named in the
// shipped catalog fixtures.
func RegisterDefaultGuards(reg *GuardRegistry) {
	reg.Register("pdca_resume_stale", pdcaResumeIsStale)
}

// pdcaResumeIsStale implements the stale-resume guard from §4.10 step
// 6: a pdca.resume_requested signal naming message_version is stale if
// a newer checkpoint already exists for the task.
func pdcaResumeIsStale(ctx context.Context, sig Signal, rt *Runtime) bool {
	taskID, _ := sig.Payload["task_id"].(string)
	if taskID == "" || rt.Slices == nil {
		return false
	}
	messageVersion := payloadInt(sig.Payload["message_version"])

	cp, err := rt.Slices.LatestCheckpoint(ctx, taskID)
	if err != nil {
		rt.Logger.Error("failed to load checkpoint for resume guard", "error", err, "task_id", taskID)
		return false
	}
	if cp == nil {
		return false
	}
	return cp.Version > messageVersion
}

func payloadInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
