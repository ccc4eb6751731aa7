// Package senses defines the inbound Sense contract (§4.3) and ships
// thin concrete adapters: cli (stdin REPL, grounded on cmd/thane's
// runAsk loop), api (rate-limited passthrough paired with the
// gateway's HTTP inbound), and timer (an internal tick source distinct
// from the Timed Scheduler's own timed_signal.fired). Per spec.md §1's
// non-goal of shipping concrete channel adapters, these are reference
// implementations, not a channel catalog: Telegram and friends are
// contracts only.
package senses

import (
	"context"
	"log/slog"

	"github.com/khabaznak/alphonse-agent/internal/bus"
)

// Sense is one inbound channel: it owns its own worker (§5 "one worker
// per sense, independent and concurrent with each other") and maps
// every inbound event it observes to exactly one signal type.
type Sense interface {
	// Key names the sense for logging and catalog cross-reference
	// (e.g. "cli", "api", "timer").
	Key() string
	// Signals lists the signal types this sense can produce.
	Signals() []string
	// Start begins the sense's worker loop in the background. It must
	// return promptly; long-running work happens in a goroutine the
	// sense owns and stops on Stop.
	Start(ctx context.Context, b *bus.Bus) error
	// Stop signals the worker to exit and waits for it to finish.
	Stop()
}

// Registry tracks the active senses for a single boot, giving
// cmd/alphonse one place to Start/Stop all of them in lock step.
type Registry struct {
	logger *slog.Logger
	senses []Sense
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds s to the registry. Call before StartAll.
func (r *Registry) Register(s Sense) {
	r.senses = append(r.senses, s)
}

// StartAll starts every registered sense, stopping any already-started
// sense and returning the first error if one fails to start.
func (r *Registry) StartAll(ctx context.Context, b *bus.Bus) error {
	for i, s := range r.senses {
		if err := s.Start(ctx, b); err != nil {
			for j := 0; j < i; j++ {
				r.senses[j].Stop()
			}
			return err
		}
		r.logger.Info("sense started", "sense", s.Key())
	}
	return nil
}

// StopAll stops every registered sense.
func (r *Registry) StopAll() {
	for _, s := range r.senses {
		s.Stop()
		r.logger.Info("sense stopped", "sense", s.Key())
	}
}
