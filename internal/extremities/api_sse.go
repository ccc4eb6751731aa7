package extremities

import (
	"context"

	"github.com/khabaznak/alphonse-agent/internal/actions"
)

// sseDeliverer is satisfied by *gateway.Gateway: the gateway already
// implements message delivery directly (resolving a waiting HTTP
// request or fanning out to a GET /events subscriber), so this
// extremity is a thin adapter giving it a Key() for the Router rather
// than a second implementation of delivery.
type sseDeliverer interface {
	Deliver(ctx context.Context, msg actions.OutboundMessage)
}

// APISSEExtremity routes outbound "api"-channel messages to the
// gateway's own synchronous-wait and SSE delivery paths.
type APISSEExtremity struct {
	gateway sseDeliverer
}

// NewAPISSEExtremity wraps a gateway's delivery for registration with
// an extremities.Router.
func NewAPISSEExtremity(gw sseDeliverer) *APISSEExtremity {
	return &APISSEExtremity{gateway: gw}
}

func (a *APISSEExtremity) Key() string { return "api-sse" }

func (a *APISSEExtremity) Deliver(ctx context.Context, msg actions.OutboundMessage) {
	a.gateway.Deliver(ctx, msg)
}
