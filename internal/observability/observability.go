// Package observability is the structured event sink described in
// §4.11: every FSM step, tool call, plan transition, timed dispatch,
// and slice transition is appended to an append-only table keyed by
// correlation id, rolled up daily by (event, level), and pruned on a
// timer the way internal/scheduler runs its own timer loop. The live
// Mirror reuses the teacher's internal/events.Bus publish/subscribe
// shape for WebSocket/SSE observers, kept deliberately separate from
// the durable sink: a slow UI consumer must never slow down a write.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// Sink appends structured events to the store and mirrors them to live
// subscribers, and runs the retention prune loop.
type Sink struct {
	store  *store.Store
	mirror *Mirror
	logger *slog.Logger

	nonErrorTTL time.Duration
	errorTTL    time.Duration
	maxRows     int
	interval    time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config configures a Sink's retention policy and prune cadence.
type Config struct {
	Store       *store.Store
	Mirror      *Mirror
	Logger      *slog.Logger
	NonErrorTTL time.Duration
	ErrorTTL    time.Duration
	MaxRows     int
	Interval    time.Duration
}

// New constructs a Sink with the §3 defaults: 14 days for non-errors,
// 30 days for errors, a 10^6 row cap, pruned every 5 minutes.
func New(cfg Config) *Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mirror := cfg.Mirror
	if mirror == nil {
		mirror = NewMirror()
	}
	nonErrorTTL := cfg.NonErrorTTL
	if nonErrorTTL <= 0 {
		nonErrorTTL = 14 * 24 * time.Hour
	}
	errorTTL := cfg.ErrorTTL
	if errorTTL <= 0 {
		errorTTL = 30 * 24 * time.Hour
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 1_000_000
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sink{
		store:       cfg.Store,
		mirror:      mirror,
		logger:      logger,
		nonErrorTTL: nonErrorTTL,
		errorTTL:    errorTTL,
		maxRows:     maxRows,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Mirror exposes the live-event broadcaster for gateway SSE wiring.
func (s *Sink) Mirror() *Mirror { return s.mirror }

// Record appends e to the durable sink and republishes it to live
// subscribers. Append failures are logged, never returned: observability
// is best-effort and must not perturb the caller's own success/failure
// path (§7 error handling treats observability as non-authoritative).
func (s *Sink) Record(ctx context.Context, e store.ObservabilityEvent) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	if err := s.store.Observability().Append(ctx, e); err != nil {
		s.logger.Error("failed to append observability event", "error", err, "event", e.Event)
	}
	s.mirror.Publish(Event{
		TS:            e.TS.Format(time.RFC3339Nano),
		Level:         e.Level,
		Event:         e.Event,
		CorrelationID: e.CorrelationID,
		Channel:       e.Channel,
		UserID:        e.UserID,
		Node:          e.Node,
		Status:        e.Status,
		Tool:          e.Tool,
		ErrorCode:     e.ErrorCode,
		LatencyMS:     e.LatencyMS,
	})
}

// MirrorBus subscribes to the main signal Bus's fan-out path and
// records one observability event per signal, so every bus-visible
// transition is captured even for components that do not call Record
// directly. The subscription runs until ctx is cancelled.
func (s *Sink) MirrorBus(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(256)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case sig, ok := <-sub:
				if !ok {
					return
				}
				s.Record(ctx, store.ObservabilityEvent{
					Event:         sig.Type,
					CorrelationID: sig.CorrelationID,
					Status:        string(sig.Status),
				})
			}
		}
	}()
}

// Start begins the background prune loop.
func (s *Sink) Start(ctx context.Context) {
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

// Stop signals the prune loop to exit and waits for in-flight work,
// including any MirrorBus subscriptions still running.
func (s *Sink) Stop() {
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

func (s *Sink) loop(ctx context.Context) {
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
			s.Prune(ctx)
		}
	}
}

// Prune runs one retention pass now. Exported for tests and a manual
// operator path.
func (s *Sink) Prune(ctx context.Context) {
	if err := s.store.Observability().Prune(ctx, time.Now().UTC(), s.nonErrorTTL, s.errorTTL, s.maxRows); err != nil {
		s.logger.Error("failed to prune observability events", "error", err)
	}
}

// Rollups returns the day's event counts broken down by (event, level).
// No gateway route serves it; callers invoke it directly.
func (s *Sink) Rollups(ctx context.Context, day string) ([]store.ObservabilityRollup, error) {
	return s.store.Observability().RollupsForDay(ctx, day)
}
