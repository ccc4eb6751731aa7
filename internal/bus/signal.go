// Package bus provides the in-process typed publish/subscribe backbone
// that carries Signals from senses to the FSM engine and from the FSM
// engine's action results to extremities and observability.
package bus

import "time"

// Status is the lifecycle state of a Signal as it moves through the
// queue and the FSM.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Signal is a typed event consumed by the FSM. Durable signals are
// additionally persisted to the signal queue (internal/signalqueue)
// before being handed to the bus; ephemeral signals (ticks, internal
// bookkeeping) flow through the bus only.
type Signal struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	CreatedAt     time.Time      `json:"created_at"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
	Durable       bool           `json:"durable"`
}
