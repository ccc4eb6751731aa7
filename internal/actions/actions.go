// Package actions holds the named, pure-logic handlers the FSM engine
// invokes on a resolved transition (§4.7). Handlers never touch the bus
// or the store directly: they read through a Runtime facade and return
// a declarative ActionResult, which the FSM applies inside its own
// transaction. This keeps every side effect visible at one call site
// instead of scattered across handler bodies (§9: "cycles and
// back-references").
package actions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/abilities"
	"github.com/khabaznak/alphonse-agent/internal/llm"
	"github.com/khabaznak/alphonse-agent/internal/render"
	"github.com/khabaznak/alphonse-agent/internal/store"
	"github.com/khabaznak/alphonse-agent/internal/tools"
)

// ResultCode is the terminal outcome of one action invocation.
type ResultCode string

const (
	Succeeded   ResultCode = "succeeded"
	Failed      ResultCode = "failed"
	WaitingUser ResultCode = "waiting_user"
)

// Signal is the minimal view of a bus signal an action needs; defined
// here (rather than imported from package bus) so actions has no
// dependency on the bus's delivery machinery — only its data shape.
type Signal struct {
	ID            string
	Type          string
	Source        string
	Payload       map[string]any
	CorrelationID string
	CreatedAt     time.Time
}

// Audience identifies who an outbound message is for.
type Audience struct {
	Kind string // "user", "channel", "broadcast"
	ID   string
}

// OutboundMessage is a normalized outbound message (§3).
type OutboundMessage struct {
	Message       string
	ChannelType   string
	ChannelTarget string
	Audience      Audience
	CorrelationID string
	Metadata      map[string]any
}

// PlanRequest asks the Plan Registry to accept a new plan instance.
type PlanRequest struct {
	PlanKind         string
	PlanVersion      int
	Payload          map[string]any
	Actor            string
	SourceChannel    string
	IntentConfidence float64
}

// TimedSignalRequest asks the Timed Scheduler to schedule a future
// signal.
type TimedSignalRequest struct {
	TriggerAt  time.Time
	RRule      string
	Timezone   string
	SignalType string
	Payload    map[string]any
	Target     string
	Origin     string
}

// SliceRequest asks the Slice Executor to enqueue a long-running task.
type SliceRequest struct {
	OwnerID           string
	ConversationKey   string
	SessionID         string
	Priority          int
	MaxCycles         int
	MaxRuntimeSeconds int
	TokenBudget       int
}

// NextSignal asks the FSM to emit a follow-up signal once this
// transaction commits.
type NextSignal struct {
	Type          string
	Payload       map[string]any
	CorrelationID string
	Durable       bool
}

// Result is what an action handler returns; the FSM applies every field
// inside its own transaction (§4.6 step 5, §3 Action Result).
type Result struct {
	NextSignals      []NextSignal
	OutboundMessages []OutboundMessage
	Plans            []PlanRequest
	TimedSignals     []TimedSignalRequest
	SliceRequests    []SliceRequest
	ResultCode       ResultCode
	ErrorSummary     string
}

// Runtime is the read-only facade actions receive: repositories,
// the tool registry, an LLM provider, a renderer, and the ability
// catalog (intent name -> plan_kind/version, §9). Actions must not
// reach past this facade into the store or bus directly.
type Runtime struct {
	Principals *store.PrincipalRepo
	Slices     *store.SliceRepo
	Tools      *tools.Registry
	LLM        llm.Provider
	Render     render.Renderer
	Abilities  *abilities.Registry
	Logger     *slog.Logger
}

// Func is the shape every action handler implements.
type Func func(ctx context.Context, sig Signal, rt *Runtime) Result

// Registry is the map[string]Func of action_key -> handler (§4.7,
// grounded on tools.Registry's Register/lookup-by-name shape).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register adds or replaces an action handler under key.
func (r *Registry) Register(key string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = fn
}

// Get returns the handler registered under key.
func (r *Registry) Get(key string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[key]
	return fn, ok
}

// Keys returns every registered action key, sorted — used at boot to
// validate that every action_key referenced by the catalog resolves to
// a registered handler (§9: "unknown keys at resolve time are a
// validation error surfaced on boot").
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
