// Package fsm is the single consumer that drives the data-defined state
// machine (§4.6). It reads signals one at a time off the bus's ordered
// FSM channel, resolves the winning transition from the loaded catalog,
// runs the bound guard and action, and persists the trace row, the new
// current state, and every durable side effect inside one transaction —
// the same single begin/commit/rollback unit the teacher's scheduler
// uses around one task execution.
package fsm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/fsmcatalog"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// OutboundSink delivers an outbound message to whatever extremity owns
// its channel type; the engine only knows how to hand it off.
type OutboundSink interface {
	Deliver(ctx context.Context, msg actions.OutboundMessage)
}

// Engine is the FSM's single reader and writer of process state.
type Engine struct {
	bus      *bus.Bus
	store    *store.Store
	catalog  *fsmcatalog.Catalog
	actions  *actions.Registry
	guards   *actions.GuardRegistry
	runtime  *actions.Runtime
	outbound OutboundSink
	logger   *slog.Logger
	workerID string

	mu           sync.Mutex
	currentState string
	startedAt    time.Time
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// Config bundles everything the engine needs; every field is required
// except Outbound, which may be nil in tests that only assert on state
// and trace, and Logger and WorkerID, which default to slog.Default()
// and "fsm-engine".
type Config struct {
	Bus      *bus.Bus
	Store    *store.Store
	Catalog  *fsmcatalog.Catalog
	Actions  *actions.Registry
	Guards   *actions.GuardRegistry
	Runtime  *actions.Runtime
	Outbound OutboundSink
	Logger   *slog.Logger
	WorkerID string
}

// New constructs an Engine. It does not start consuming; call Start.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "fsm-engine"
	}
	return &Engine{
		bus:      cfg.Bus,
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		actions:  cfg.Actions,
		guards:   cfg.Guards,
		runtime:  cfg.Runtime,
		outbound: cfg.Outbound,
		logger:   logger,
		workerID: workerID,
		stopCh:   make(chan struct{}),
	}
}

// Start loads the current state marker and begins the single consumer
// loop. Safe to call once; a second call is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	current, err := e.store.Catalog().CurrentState(ctx)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("load current state: %w", err)
	}
	e.currentState = current
	e.startedAt = time.Now()
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop signals the consumer loop to exit and waits for it to drain its
// current step.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("fsm engine stopped")
}

// Status reports the in-memory current state and process uptime, used
// by the status action handler (§8 scenario: status query).
func (e *Engine) Status() (string, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentState, time.Since(e.startedAt)
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ch := e.bus.FSMChannel()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			e.step(ctx, sig)
		}
	}
}

// step resolves and applies one signal. It never returns an error to
// the caller: a signal with no matching transition is traced as
// no_transition, a candidate naming an unknown guard key is logged and
// skipped, and a step that fails to commit is logged, mirroring
// §7's "the FSM never stalls on an unexpected signal" requirement.
func (e *Engine) step(ctx context.Context, sig bus.Signal) {
	e.mu.Lock()
	stateBefore := e.currentState
	e.mu.Unlock()

	asig := actions.Signal{
		ID:            sig.ID,
		Type:          sig.Type,
		Source:        sig.Source,
		Payload:       sig.Payload,
		CorrelationID: sig.CorrelationID,
		CreatedAt:     sig.CreatedAt,
	}

	transition, found := e.resolveTransition(ctx, stateBefore, asig)
	if !found {
		e.persistNoTransition(ctx, stateBefore, sig)
		return
	}

	result := e.runAction(ctx, transition.ActionKey, asig)
	e.applyResult(ctx, stateBefore, sig, transition, result)
}

// resolveTransition walks the catalog's ordered candidates for
// (stateBefore, sig.Type) and returns the first whose guard passes (or
// has none), per §4.6 step 3.
func (e *Engine) resolveTransition(ctx context.Context, stateBefore string, sig actions.Signal) (fsmcatalog.Transition, bool) {
	for _, t := range e.catalog.Candidates(stateBefore, sig.Type) {
		if t.GuardKey == "" {
			return t, true
		}
		guard, ok := e.guards.Get(t.GuardKey)
		if !ok {
			e.logger.Error("unknown guard key, skipping candidate", "guard_key", t.GuardKey, "transition_id", t.ID)
			continue
		}
		if guard(ctx, sig, e.runtime) {
			return t, true
		}
	}
	return fsmcatalog.Transition{}, false
}

// runAction invokes the bound action handler, if any. A transition
// with no action_key is a pure state move with no side effects.
func (e *Engine) runAction(ctx context.Context, actionKey string, sig actions.Signal) actions.Result {
	if actionKey == "" {
		return actions.Result{ResultCode: actions.Succeeded}
	}
	fn, ok := e.actions.Get(actionKey)
	if !ok {
		e.logger.Error("unknown action key", "action_key", actionKey)
		return actions.Result{ResultCode: actions.Failed, ErrorSummary: fmt.Sprintf("unknown action key %q", actionKey)}
	}
	return fn(ctx, sig, e.runtime)
}

// persistNoTransition records that a signal arrived with no matching
// candidate transition (§8 boundary: the state simply does not change,
// but the attempt is still traced for observability).
func (e *Engine) persistNoTransition(ctx context.Context, stateBefore string, sig bus.Signal) {
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		return store.AppendTraceTx(ctx, tx, store.TraceRow{
			CorrelationID: sig.CorrelationID,
			StateBefore:   stateBefore,
			SignalType:    sig.Type,
			StateAfter:    stateBefore,
			Result:        "no_transition",
		})
	})
	if err != nil {
		e.logger.Error("failed to persist no-transition trace", "error", err, "correlation_id", sig.CorrelationID)
	}
}

// applyResult commits the transition's new state, its trace row, and
// every durable side effect inside one transaction, then dispatches
// outbound messages and non-durable next signals after commit (§4.6
// step 5).
func (e *Engine) applyResult(ctx context.Context, stateBefore string, sig bus.Signal, transition fsmcatalog.Transition, result actions.Result) {
	resultLabel := string(result.ResultCode)
	if resultLabel == "" {
		resultLabel = string(actions.Succeeded)
	}

	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.SetCurrentStateTx(ctx, tx, transition.NextStateKey); err != nil {
			return err
		}
		if err := store.AppendTraceTx(ctx, tx, store.TraceRow{
			CorrelationID: sig.CorrelationID,
			StateBefore:   stateBefore,
			SignalType:    sig.Type,
			TransitionID:  transition.ID,
			ActionKey:     transition.ActionKey,
			StateAfter:    transition.NextStateKey,
			Result:        resultLabel,
			ErrorSummary:  result.ErrorSummary,
		}); err != nil {
			return err
		}
		for _, next := range result.NextSignals {
			if !next.Durable {
				continue
			}
			if err := store.EnqueueSignalTx(ctx, tx, store.QueuedSignal{
				Type:          next.Type,
				Source:        "fsm",
				Payload:       next.Payload,
				CorrelationID: correlationOrDefault(next.CorrelationID, sig.CorrelationID),
				Durable:       true,
			}); err != nil {
				return err
			}
		}
		for _, ts := range result.TimedSignals {
			if _, err := store.InsertTimedSignalTx(ctx, tx, store.TimedSignal{
				TriggerAt:     ts.TriggerAt,
				RRule:         ts.RRule,
				Timezone:      ts.Timezone,
				SignalType:    ts.SignalType,
				Payload:       ts.Payload,
				Target:        ts.Target,
				Origin:        ts.Origin,
				CorrelationID: sig.CorrelationID,
			}); err != nil {
				return err
			}
		}
		for _, pr := range result.Plans {
			payloadJSON, err := json.Marshal(pr.Payload)
			if err != nil {
				return fmt.Errorf("marshal plan payload: %w", err)
			}
			if err := store.InsertPlanInstanceTx(ctx, tx, store.PlanInstance{
				PlanKind:         pr.PlanKind,
				PlanVersion:      pr.PlanVersion,
				CorrelationID:    sig.CorrelationID,
				PayloadJSON:      string(payloadJSON),
				Actor:            pr.Actor,
				SourceChannel:    pr.SourceChannel,
				IntentConfidence: pr.IntentConfidence,
			}); err != nil {
				return err
			}
		}
		for _, sr := range result.SliceRequests {
			if _, err := store.InsertSliceTaskTx(ctx, tx, store.SliceTask{
				OwnerID:              sr.OwnerID,
				ConversationKey:      sr.ConversationKey,
				SessionID:            sr.SessionID,
				Priority:             sr.Priority,
				MaxCycles:            sr.MaxCycles,
				MaxRuntimeSeconds:    sr.MaxRuntimeSeconds,
				TokenBudgetRemaining: sr.TokenBudget,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to commit fsm step", "error", err, "correlation_id", sig.CorrelationID, "transition_id", transition.ID)
		return
	}

	e.mu.Lock()
	e.currentState = transition.NextStateKey
	e.mu.Unlock()

	e.dispatchSideEffects(ctx, sig, result)
}

// dispatchSideEffects delivers outbound messages and non-durable next
// signals after the core transaction — which already persisted the new
// state, the trace row, and every durable side effect (timed signals,
// plan instances, slice tasks) atomically — has committed. Nothing
// here is durable: a crash between commit and delivery drops an
// outbound message or an in-memory follow-up signal, not a record of
// what was supposed to happen.
func (e *Engine) dispatchSideEffects(ctx context.Context, sig bus.Signal, result actions.Result) {
	if e.outbound != nil {
		for _, msg := range result.OutboundMessages {
			e.outbound.Deliver(ctx, msg)
		}
	}

	for _, next := range result.NextSignals {
		if next.Durable {
			continue // already enqueued durably inside the step's transaction
		}
		err := e.bus.Publish(ctx, bus.Signal{
			ID:            store.NewID(),
			Type:          next.Type,
			Source:        "fsm",
			Payload:       next.Payload,
			CorrelationID: correlationOrDefault(next.CorrelationID, sig.CorrelationID),
			CreatedAt:     time.Now().UTC(),
			Status:        bus.StatusQueued,
		})
		if err != nil {
			e.logger.Error("failed to publish follow-up signal", "error", err, "signal_type", next.Type)
		}
	}
}

func correlationOrDefault(id, fallback string) string {
	if id != "" {
		return id
	}
	return fallback
}
