package observability

import "sync"

// Event is the live-stream shape pushed to WebSocket/SSE observers,
// mirroring internal/store.ObservabilityEvent but trimmed to what a UI
// consumer actually renders.
type Event struct {
	TS            string         `json:"ts"`
	Level         string         `json:"level"`
	Event         string         `json:"event"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Channel       string         `json:"channel,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Node          string         `json:"node,omitempty"`
	Status        string         `json:"status,omitempty"`
	Tool          string         `json:"tool,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	LatencyMS     int            `json:"latency_ms,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Mirror is a non-blocking broadcast bus of Event values, kept nearly
// as-is from the teacher's internal/events.Bus: subscribers read from
// buffered channels, and a slow subscriber drops events rather than
// stalling the publisher.
type Mirror struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// NewMirror creates a Mirror ready for use.
func NewMirror() *Mirror {
	return &Mirror{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish fans e out to every live subscriber. Safe to call on a nil
// receiver (no-op), matching the teacher's nil-safe Bus.
func (m *Mirror) Publish(e Event) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of live events. Callers must call
// Unsubscribe to release it.
func (m *Mirror) Subscribe(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Event, bufSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[ch] = struct{}{}
	m.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call more than once for the same channel.
func (m *Mirror) Unsubscribe(ch <-chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sendCh, ok := m.recvToSend[ch]
	if !ok {
		return
	}
	delete(m.subs, sendCh)
	delete(m.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active live subscribers.
func (m *Mirror) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
