// Package slices is the cooperative Slice Executor (§4.10): it drives
// long-running plans that must yield to stay fair to other users,
// rehydrating from a compare-and-swap checkpoint the way
// internal/checkpoint's version column guards whole-agent state, and
// leasing tasks the way internal/scheduler leases timers — generalized
// from a single timer map to a priority/fairness queue of tasks.
package slices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// CycleOutcome is what one plan/decide/act/check cycle reports back to
// the executor (§4.10 step 4).
type CycleOutcome struct {
	Progress         bool // did this cycle make net progress, for the no-progress gate
	Done             bool
	Failed           bool
	WaitingUser      bool
	TaskState        map[string]any
	TokensUsed       int
	OutboundMessages []actions.OutboundMessage
	ErrorSummary     string
}

// CycleFunc runs one cycle of a task's work, given the task row and its
// rehydrated state from the last checkpoint (an empty map on first run).
type CycleFunc func(ctx context.Context, task *store.SliceTask, taskState map[string]any, rt *actions.Runtime) CycleOutcome

// OutboundSink delivers an outbound message to whatever extremity owns
// its channel type, the same contract the FSM engine dispatches
// through.
type OutboundSink interface {
	Deliver(ctx context.Context, msg actions.OutboundMessage)
}

// Executor claims runnable pdca_tasks rows, runs a bounded slice of
// cycles against a registered CycleFunc, and checkpoints or finalizes
// the task (§4.10).
type Executor struct {
	store     *store.Store
	bus       *bus.Bus
	runtime   *actions.Runtime
	outbound  OutboundSink
	logger    *slog.Logger
	workerID  string
	leaseTTL  time.Duration
	interval  time.Duration
	yieldWait time.Duration
	noProgressCycles int
	cycleFn   CycleFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config configures an Executor.
type Config struct {
	Store            *store.Store
	Bus              *bus.Bus
	Runtime          *actions.Runtime
	Outbound         OutboundSink
	Logger           *slog.Logger
	WorkerID         string
	LeaseTTL         time.Duration
	Interval         time.Duration
	YieldWait        time.Duration
	NoProgressCycles int // safety gate: consecutive no-progress cycles before aborting (§4.10 safety gates)
	CycleFunc        CycleFunc
}

// New constructs an Executor with sane defaults.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "slice-executor"
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	yieldWait := cfg.YieldWait
	if yieldWait <= 0 {
		yieldWait = 2 * time.Second
	}
	noProgress := cfg.NoProgressCycles
	if noProgress <= 0 {
		noProgress = 3
	}
	return &Executor{
		store:            cfg.Store,
		bus:              cfg.Bus,
		runtime:          cfg.Runtime,
		outbound:         cfg.Outbound,
		logger:           logger,
		workerID:         workerID,
		leaseTTL:         leaseTTL,
		interval:         interval,
		yieldWait:        yieldWait,
		noProgressCycles: noProgress,
		cycleFn:          cfg.CycleFunc,
		stopCh:           make(chan struct{}),
	}
}

// Start begins the acquire/run polling loop in the background.
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

// Stop signals the loop to exit and waits for the in-flight slice.
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

// RunOnce acquires the next runnable task, if any, and runs one slice
// against it. Exported for tests and a manual "drain now" operator
// path.
func (e *Executor) RunOnce(ctx context.Context) {
	task, err := e.store.Slices().AcquireNext(ctx, e.workerID, e.leaseTTL, time.Now().UTC())
	if err != nil {
		e.logger.Error("failed to acquire slice task", "error", err)
		return
	}
	if task == nil {
		return
	}
	e.runSlice(ctx, task)
}

// runSlice rehydrates the task's checkpoint, runs cycles up to the
// task's budgets, and persists the outcome (§4.10 steps 3-5).
func (e *Executor) runSlice(ctx context.Context, task *store.SliceTask) {
	if err := e.store.Slices().AppendEvent(ctx, task.TaskID, "slice.started", ""); err != nil {
		e.logger.Error("failed to append slice.started event", "error", err, "task_id", task.TaskID)
	}

	checkpoint, err := e.store.Slices().LatestCheckpoint(ctx, task.TaskID)
	if err != nil {
		e.logger.Error("failed to load checkpoint", "error", err, "task_id", task.TaskID)
		return
	}
	version := 0
	taskState := map[string]any{}
	if checkpoint != nil {
		version = checkpoint.Version
		if err := json.Unmarshal([]byte(checkpoint.TaskStateJSON), &taskState); err != nil {
			e.logger.Error("failed to unmarshal checkpoint task state", "error", err, "task_id", task.TaskID)
		}
	}

	deadline := time.Now().Add(time.Duration(task.MaxRuntimeSeconds) * time.Second)
	noProgressStreak := 0
	cyclesRun := 0
	// A task inserted with no token budget (0) is not subject to the
	// token gate.
	tokenBudgeted := task.TokenBudgetRemaining > 0
	var last CycleOutcome

	for cyclesRun < task.MaxCycles {
		if time.Now().After(deadline) {
			break
		}
		if e.cycleFn == nil {
			e.logger.Error("no cycle function registered for slice executor", "task_id", task.TaskID)
			break
		}
		outcome := e.cycleFn(ctx, task, taskState, e.runtime)
		cyclesRun++
		last = outcome

		if outcome.TaskState != nil {
			taskState = outcome.TaskState
		}
		task.TokenBudgetRemaining -= outcome.TokensUsed

		if outcome.Progress {
			noProgressStreak = 0
		} else {
			noProgressStreak++
		}

		if outcome.Failed {
			task.FailureStreak++
		} else {
			task.FailureStreak = 0
		}

		if outcome.Done || outcome.Failed || outcome.WaitingUser {
			break
		}
		if noProgressStreak >= e.noProgressCycles {
			e.logger.Warn("slice task made no progress, aborting", "task_id", task.TaskID, "streak", noProgressStreak)
			last.Failed = true
			last.ErrorSummary = "no_progress_cycles exceeded"
			break
		}
		if tokenBudgeted && task.TokenBudgetRemaining <= 0 {
			e.logger.Warn("slice task exhausted token budget", "task_id", task.TaskID)
			last.Failed = true
			last.ErrorSummary = "token_budget_exhausted"
			break
		}
	}

	e.finish(ctx, task, taskState, version, last)
}

func (e *Executor) finish(ctx context.Context, task *store.SliceTask, taskState map[string]any, prevVersion int, outcome CycleOutcome) {
	switch {
	case outcome.Done:
		e.deliverOutbound(ctx, outcome.OutboundMessages)
		task.Status = "done"
		if err := e.store.Slices().Requeue(ctx, *task); err != nil {
			e.logger.Error("failed to finalize done task", "error", err, "task_id", task.TaskID)
		}
		if err := e.store.Slices().AppendEvent(ctx, task.TaskID, "slice.completed", ""); err != nil {
			e.logger.Error("failed to append slice.completed event", "error", err, "task_id", task.TaskID)
		}
		e.emitCompletion(ctx, task, "pdca.task_completed")

	case outcome.Failed:
		e.deliverOutbound(ctx, outcome.OutboundMessages)
		task.Status = "failed"
		task.LastError = outcome.ErrorSummary
		if err := e.store.Slices().Requeue(ctx, *task); err != nil {
			e.logger.Error("failed to finalize failed task", "error", err, "task_id", task.TaskID)
		}
		if err := e.store.Slices().AppendEvent(ctx, task.TaskID, "slice.failed", outcome.ErrorSummary); err != nil {
			e.logger.Error("failed to append slice.failed event", "error", err, "task_id", task.TaskID)
		}
		e.emitCompletion(ctx, task, "pdca.task_failed")

	case outcome.WaitingUser:
		e.deliverOutbound(ctx, outcome.OutboundMessages)
		task.Status = "waiting_user"
		if err := e.persistCheckpoint(ctx, task, taskState, prevVersion); err != nil {
			e.logger.Error("failed to checkpoint waiting_user task", "error", err, "task_id", task.TaskID)
		}
		if err := e.store.Slices().Requeue(ctx, *task); err != nil {
			e.logger.Error("failed to park waiting_user task", "error", err, "task_id", task.TaskID)
		}

	default:
		if err := e.persistCheckpoint(ctx, task, taskState, prevVersion); err != nil {
			e.logger.Error("failed to persist checkpoint", "error", err, "task_id", task.TaskID)
			return
		}
		if err := e.store.Slices().AppendEvent(ctx, task.TaskID, "slice.persisted", ""); err != nil {
			e.logger.Error("failed to append slice.persisted event", "error", err, "task_id", task.TaskID)
		}
		task.Status = "queued"
		task.NextRunAt = time.Now().Add(e.yieldWait)
		task.LeaseUntil = nil
		task.WorkerID = ""
		if err := e.store.Slices().Requeue(ctx, *task); err != nil {
			e.logger.Error("failed to requeue yielded task", "error", err, "task_id", task.TaskID)
		}
	}
}

func (e *Executor) persistCheckpoint(ctx context.Context, task *store.SliceTask, taskState map[string]any, prevVersion int) error {
	taskStateJSON, err := json.Marshal(taskState)
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}
	stateJSON, err := json.Marshal(map[string]any{"slice_cycles": task.SliceCycles + 1})
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	newVersion, err := e.store.Slices().WriteCheckpoint(ctx, task.TaskID, string(stateJSON), string(taskStateJSON), prevVersion)
	if err != nil {
		return err
	}
	task.SliceCycles = newVersion
	return nil
}

func (e *Executor) deliverOutbound(ctx context.Context, msgs []actions.OutboundMessage) {
	if e.outbound == nil {
		return
	}
	for _, msg := range msgs {
		e.outbound.Deliver(ctx, msg)
	}
}

func (e *Executor) emitCompletion(ctx context.Context, task *store.SliceTask, signalType string) {
	err := e.bus.Publish(ctx, bus.Signal{
		ID:     store.NewID(),
		Type:   signalType,
		Source: "slices",
		Payload: map[string]any{
			"task_id":  task.TaskID,
			"owner_id": task.OwnerID,
		},
		CorrelationID: task.TaskID,
		CreatedAt:     time.Now().UTC(),
		Status:        bus.StatusQueued,
	})
	if err != nil {
		e.logger.Error("failed to publish slice completion signal", "error", err, "task_id", task.TaskID)
	}
}
