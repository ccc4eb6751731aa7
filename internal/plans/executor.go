package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// Executor polls for queued plan instances, validates each against its
// registered schema, and dispatches to the executor named by
// executor_key, writing a plan_runs row for every attempt (§4.8, §3
// Plan Run).
type Executor struct {
	registry *Registry
	store    *store.Store
	runtime  *actions.Runtime
	logger   *slog.Logger
	interval time.Duration
	batch    int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// ExecutorConfig configures polling cadence and batch size.
type ExecutorConfig struct {
	Registry *Registry
	Store    *store.Store
	Runtime  *actions.Runtime
	Logger   *slog.Logger
	Interval time.Duration
	Batch    int
}

// NewExecutor constructs an Executor. Interval defaults to one second,
// Batch to 10, matching the teacher's scheduler's tick-driven polling
// idiom generalized from single-timer to batch-claim.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 10
	}
	return &Executor{
		registry: cfg.Registry,
		store:    cfg.Store,
		runtime:  cfg.Runtime,
		logger:   logger,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the polling loop in a background goroutine.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop signals the loop to exit and waits for the in-flight batch to
// finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce claims and dispatches one batch of queued plan instances.
// Exported so tests and a manual "drain now" operator path can trigger
// a pass without waiting for the ticker.
func (e *Executor) RunOnce(ctx context.Context) {
	instances, err := e.store.Plans().ClaimQueuedInstances(ctx, e.batch)
	if err != nil {
		e.logger.Error("failed to claim plan instances", "error", err)
		return
	}
	for _, inst := range instances {
		e.dispatch(ctx, inst)
	}
}

func (e *Executor) dispatch(ctx context.Context, inst store.PlanInstance) {
	startedAt := time.Now().UTC()

	kv, err := e.registry.KindVersion(ctx, inst.PlanKind, inst.PlanVersion)
	if err != nil {
		e.fail(ctx, inst, startedAt, fmt.Sprintf("unregistered plan kind %q v%d", inst.PlanKind, inst.PlanVersion))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(inst.PayloadJSON), &payload); err != nil {
		e.fail(ctx, inst, startedAt, fmt.Sprintf("unmarshal payload: %v", err))
		return
	}
	if err := e.registry.ValidatePayload(ctx, inst.PlanKind, inst.PlanVersion, payload); err != nil {
		e.fail(ctx, inst, startedAt, err.Error())
		return
	}

	executor, ok := e.registry.Executor(kv.ExecutorKey)
	if !ok {
		e.fail(ctx, inst, startedAt, fmt.Sprintf("unregistered executor key %q", kv.ExecutorKey))
		return
	}

	result := executor(ctx, inst, e.runtime)
	endedAt := time.Now().UTC()

	status := "done"
	resolution := "succeeded"
	if result.ResultCode == actions.Failed {
		status = "failed"
		resolution = result.ErrorSummary
	} else if result.ResultCode == actions.WaitingUser {
		status = "awaiting_user"
		resolution = "waiting_user"
	}

	if err := e.store.Plans().InsertRun(ctx, store.PlanRun{
		PlanID:     inst.PlanID,
		Status:     status,
		StartedAt:  &startedAt,
		EndedAt:    &endedAt,
		Resolution: resolution,
	}); err != nil {
		e.logger.Error("failed to record plan run", "error", err, "plan_id", inst.PlanID)
	}
	if err := e.store.Plans().UpdateInstanceStatus(ctx, inst.PlanID, status, errorOrEmpty(result)); err != nil {
		e.logger.Error("failed to update plan instance status", "error", err, "plan_id", inst.PlanID)
	}
}

func errorOrEmpty(result actions.Result) string {
	if result.ResultCode == actions.Failed {
		return result.ErrorSummary
	}
	return ""
}

func (e *Executor) fail(ctx context.Context, inst store.PlanInstance, startedAt time.Time, reason string) {
	endedAt := time.Now().UTC()
	if err := e.store.Plans().InsertRun(ctx, store.PlanRun{
		PlanID:     inst.PlanID,
		Status:     "failed",
		StartedAt:  &startedAt,
		EndedAt:    &endedAt,
		Resolution: reason,
	}); err != nil {
		e.logger.Error("failed to record failed plan run", "error", err, "plan_id", inst.PlanID)
	}
	if err := e.store.Plans().UpdateInstanceStatus(ctx, inst.PlanID, "failed", reason); err != nil {
		e.logger.Error("failed to mark plan instance failed", "error", err, "plan_id", inst.PlanID)
	}
	e.logger.Warn("plan instance failed validation or dispatch", "plan_id", inst.PlanID, "plan_kind", inst.PlanKind, "reason", reason)
}
