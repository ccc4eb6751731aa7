package senses

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/khabaznak/alphonse-agent/internal/bus"
)

// APISense is the sense-side half of the HTTP inbound channel: the
// gateway itself owns the net/http server and durably enqueues
// api.message_received / api.status_requested / api.timed_signals_requested
// signals to signal_queue (it is already on the request goroutine, so
// there is no separate worker loop to run here; the signal queue poller
// is what eventually feeds these onto the bus). What APISense
// contributes is the per-channel rate limit called out in §5
// ("senses... one worker per sense"; the HTTP sense's "worker" is the
// limiter guarding request admission), using golang.org/x/time/rate the
// way a token-bucket admission guard is conventionally built in Go.
type APISense struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewAPISense constructs an APISense allowing burst immediately and
// refilling at ratePerSecond thereafter. The gateway calls Allow before
// enqueueing each inbound signal.
func NewAPISense(ratePerSecond float64, burst int, logger *slog.Logger) *APISense {
	if logger == nil {
		logger = slog.Default()
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &APISense{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		logger:  logger,
	}
}

func (a *APISense) Key() string       { return "api" }
func (a *APISense) Signals() []string {
	return []string{"api.message_received", "api.status_requested", "api.timed_signals_requested"}
}

// Allow reports whether a request may proceed under the current rate
// limit. The gateway calls this before emitting a signal.
func (a *APISense) Allow() bool {
	return a.limiter.Allow()
}

// Start is a no-op: the gateway's own HTTP handlers enqueue signals on
// the request goroutine rather than through a dedicated worker loop.
func (a *APISense) Start(_ context.Context, _ *bus.Bus) error { return nil }

// Stop is a no-op; see Start.
func (a *APISense) Stop() {}
