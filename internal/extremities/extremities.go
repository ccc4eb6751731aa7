// Package extremities defines the outbound Extremity contract (§4.3)
// and ships thin concrete adapters: cli (stdout), api-sse (delegates
// to the gateway's own SSE/synchronous-wait delivery, since the
// gateway already implements fsm.OutboundSink/slices.OutboundSink
// directly), and webhook (a push adapter using
// github.com/gorilla/websocket, grounded on the pack's websocket
// example usage, for consumers that want a persistent duplex
// connection instead of polling GET /events).
package extremities

import (
	"context"
	"log/slog"

	"github.com/khabaznak/alphonse-agent/internal/actions"
)

// Extremity is one outbound channel adapter: it normalizes an
// actions.OutboundMessage into whatever wire format its channel needs
// and delivers it, best-effort, with no feedback to the FSM beyond a
// log line (§4.4: "concurrent delivery; no shared state with the
// FSM").
type Extremity interface {
	// Key names the extremity for logging and catalog cross-reference
	// (e.g. "cli", "api-sse", "webhook").
	Key() string
	// Deliver sends msg out its channel. Implementations must not
	// block indefinitely; honor ctx cancellation.
	Deliver(ctx context.Context, msg actions.OutboundMessage)
}

// Router fans an outbound message out to every registered extremity
// whose ChannelType it owns, so the FSM engine and slice executor can
// share one OutboundSink regardless of how many channels are wired up.
type Router struct {
	logger    *slog.Logger
	byChannel map[string][]Extremity
	catchAll  []Extremity
}

// NewRouter constructs an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, byChannel: make(map[string][]Extremity)}
}

// Register binds an extremity to one or more channel types. Passing no
// channel types registers it as a catch-all, receiving every message
// regardless of ChannelType.
func (r *Router) Register(e Extremity, channelTypes ...string) {
	if len(channelTypes) == 0 {
		r.catchAll = append(r.catchAll, e)
		return
	}
	for _, ct := range channelTypes {
		r.byChannel[ct] = append(r.byChannel[ct], e)
	}
}

// Deliver implements fsm.OutboundSink and slices.OutboundSink: it
// dispatches msg to every extremity bound to msg.ChannelType, plus any
// catch-all extremities.
func (r *Router) Deliver(ctx context.Context, msg actions.OutboundMessage) {
	targets := append([]Extremity{}, r.catchAll...)
	targets = append(targets, r.byChannel[msg.ChannelType]...)
	if len(targets) == 0 {
		r.logger.Warn("no extremity registered for channel type", "channel_type", msg.ChannelType)
		return
	}
	for _, e := range targets {
		e.Deliver(ctx, msg)
	}
}
