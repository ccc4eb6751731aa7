// Package signalqueue runs the single worker §4.5 describes as
// "feeding the Bus from durable storage for durable=true signals": it
// claims rows a sense or the gateway wrote to signal_queue, republishes
// each onto the Bus, and marks it done, so an inbound message durably
// queued before a crash is still delivered once the process restarts
// (testable invariant 3: enqueue is idempotent, the handler is called
// at least once). Grounded on the same lease/poll loop shape as
// internal/timedsignals and internal/plans' executor.
package signalqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// Config bundles the Poller's dependencies.
type Config struct {
	Store    *store.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	WorkerID string
	Interval time.Duration
	Batch    int
}

// Poller is the signal queue's worker loop.
type Poller struct {
	store    *store.Store
	bus      *bus.Bus
	logger   *slog.Logger
	workerID string
	interval time.Duration
	batch    int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Poller with a 1s poll interval and a 20-row batch
// by default.
func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "signal-queue-poller"
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 20
	}
	return &Poller{
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   logger,
		workerID: workerID,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the poll loop in the background.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop signals the poll loop to exit and waits for it to drain.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce claims up to one batch of queued durable signals and
// publishes each onto the bus, marking it done or failed depending on
// the publish outcome. A failed publish marks the row failed with the
// publish error; Claim only selects queued rows, so the poller does not
// retry it.
func (p *Poller) RunOnce(ctx context.Context) {
	claimed, err := p.store.Signals().Claim(ctx, p.workerID, p.batch)
	if err != nil {
		p.logger.Error("failed to claim queued signals", "error", err)
		return
	}
	for _, qs := range claimed {
		pubErr := p.bus.Publish(ctx, bus.Signal{
			ID:            qs.ID,
			Type:          qs.Type,
			Source:        qs.Source,
			Payload:       qs.Payload,
			CorrelationID: qs.CorrelationID,
			CreatedAt:     qs.CreatedAt,
			Status:        bus.StatusQueued,
			Durable:       qs.Durable,
		})
		if compErr := p.store.Signals().Complete(ctx, qs.ID, pubErr == nil, errString(pubErr)); compErr != nil {
			p.logger.Error("failed to mark queued signal complete", "error", compErr, "signal_id", qs.ID)
		}
		if pubErr != nil {
			p.logger.Error("failed to publish durable signal", "error", pubErr, "signal_id", qs.ID)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
