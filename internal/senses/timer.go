package senses

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// TimerSense is an internal tick source feeding timer.fired at a fixed
// interval, distinct from the Timed Scheduler's own
// timed_signal.fired: this is a heartbeat for actions that want "every
// N seconds" wiring without registering a durable timed signal row
// (e.g. periodic housekeeping checks that do not need to survive a
// restart mid-wait).
type TimerSense struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTimerSense constructs a TimerSense ticking every interval.
func NewTimerSense(interval time.Duration, logger *slog.Logger) *TimerSense {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &TimerSense{interval: interval, logger: logger}
}

func (t *TimerSense) Key() string       { return "timer" }
func (t *TimerSense) Signals() []string { return []string{"timer.fired"} }

func (t *TimerSense) Start(ctx context.Context, b *bus.Bus) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop(runCtx, b)
	return nil
}

func (t *TimerSense) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

func (t *TimerSense) loop(ctx context.Context, b *bus.Bus) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := b.Publish(ctx, bus.Signal{
				ID:            store.NewID(),
				Type:          "timer.fired",
				Source:        "timer",
				CorrelationID: store.NewID(),
				CreatedAt:     now.UTC(),
				Status:        bus.StatusQueued,
			})
			if err != nil {
				t.logger.Error("failed to publish timer tick", "error", err)
			}
		}
	}
}
