package timedsignals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// Scheduler claims due timed_signals rows and publishes them back onto
// the bus as signals, the way the teacher's Scheduler fires a Task's
// ExecuteFunc from its timer map — generalized to table-driven claiming
// instead of an in-process timer per task, so the schedule survives a
// restart and tolerates more than one worker.
type Scheduler struct {
	store      *store.Store
	bus        *bus.Bus
	logger     *slog.Logger
	workerID   string
	leaseTTL   time.Duration
	interval   time.Duration
	batch      int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config configures a Scheduler.
type Config struct {
	Store    *store.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	WorkerID string
	LeaseTTL time.Duration
	Interval time.Duration
	Batch    int
}

// New constructs a Scheduler with sane defaults: a 1s poll interval, a
// 30s claim lease, and a 50-row batch.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "timed-signals-worker"
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 50
	}
	return &Scheduler{
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   logger,
		workerID: workerID,
		leaseTTL: leaseTTL,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
	}
}

// Schedule validates and inserts a new timed signal request.
func (s *Scheduler) Schedule(ctx context.Context, ts store.TimedSignal) (string, error) {
	if !ts.TriggerAt.IsZero() && ts.RRule != "" {
		if _, err := ParseRRule(ts.RRule); err != nil {
			return "", fmt.Errorf("invalid rrule: %w", err)
		}
	}
	return s.store.TimedSignals().Insert(ctx, ts)
}

// Start begins the claim/dispatch polling loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits for the in-flight batch.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce claims and dispatches one batch of due timed signals.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.TimedSignals().ClaimDue(ctx, s.workerID, now, s.leaseTTL, s.batch)
	if err != nil {
		s.logger.Error("failed to claim due timed signals", "error", err)
		return
	}
	for _, ts := range due {
		s.dispatch(ctx, ts, now)
	}
}

// dispatch applies the catch-up window policy (§4.9): a late
// occurrence within the window is fired now; one past the window is
// skipped (recurring: rescheduled to the next future occurrence;
// one-shot: marked failed).
func (s *Scheduler) dispatch(ctx context.Context, ts store.TimedSignal, now time.Time) {
	rrule, err := ParseRRule(ts.RRule)
	if err != nil {
		s.logger.Error("stored rrule failed to parse", "error", err, "timed_signal_id", ts.ID)
		if err := s.store.TimedSignals().MarkFailed(ctx, ts.ID, err.Error()); err != nil {
			s.logger.Error("failed to mark timed signal failed", "error", err, "timed_signal_id", ts.ID)
		}
		return
	}

	lag := now.Sub(ts.TriggerAt)
	if lag > CatchUpWindow(rrule) {
		s.handleMissedWindow(ctx, ts, rrule, now)
		return
	}

	var nextTrigger *time.Time
	if rrule != nil {
		n := rrule.Next(ts.TriggerAt)
		nextTrigger = &n
	}
	if err := s.store.TimedSignals().MarkFired(ctx, ts.ID, now, nextTrigger); err != nil {
		s.logger.Error("failed to mark timed signal fired", "error", err, "timed_signal_id", ts.ID)
		return
	}

	err = s.bus.Publish(ctx, bus.Signal{
		ID:            store.NewID(),
		Type:          ts.SignalType,
		Source:        "timed_signals",
		Payload:       ts.Payload,
		CorrelationID: ts.CorrelationID,
		CreatedAt:     now,
		Status:        bus.StatusQueued,
	})
	if err != nil {
		s.logger.Error("failed to publish fired timed signal", "error", err, "timed_signal_id", ts.ID)
	}
}

func (s *Scheduler) handleMissedWindow(ctx context.Context, ts store.TimedSignal, rrule *Recurrence, now time.Time) {
	if rrule == nil {
		s.logger.Info("one-shot timed signal missed its catch-up window", "timed_signal_id", ts.ID)
		if err := s.store.TimedSignals().MarkFailed(ctx, ts.ID, "missed_dispatch_window"); err != nil {
			s.logger.Error("failed to mark missed one-shot failed", "error", err, "timed_signal_id", ts.ID)
		}
		return
	}

	next := rrule.Next(ts.TriggerAt)
	for !next.After(now) {
		next = rrule.Next(next)
	}
	s.logger.Info("recurring timed signal missed its catch-up window, rescheduling", "timed_signal_id", ts.ID, "next_trigger_at", next)
	if err := s.store.TimedSignals().MarkSkippedAndReschedule(ctx, ts.ID, next); err != nil {
		s.logger.Error("failed to reschedule missed recurrence", "error", err, "timed_signal_id", ts.ID)
	}
}
