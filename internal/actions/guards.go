package actions

import "context"

// GuardFunc is a pure predicate over (signal, runtime) a transition may
// name via guard_key. Returning false tells the FSM to continue to the
// next candidate transition (§4.6 step 3).
type GuardFunc func(ctx context.Context, sig Signal, rt *Runtime) bool

// GuardRegistry is the map[string]GuardFunc companion to the action
// Registry; unknown guard_key values are a boot-time validation error,
// the same as unknown action_key values (§9).
type GuardRegistry struct {
	guards map[string]GuardFunc
}

// NewGuardRegistry creates an empty guard registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{guards: make(map[string]GuardFunc)}
}

// Register adds or replaces a guard under key.
func (r *GuardRegistry) Register(key string, fn GuardFunc) {
	r.guards[key] = fn
}

// Get returns the guard registered under key.
func (r *GuardRegistry) Get(key string) (GuardFunc, bool) {
	fn, ok := r.guards[key]
	return fn, ok
}
