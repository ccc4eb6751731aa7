// Package abilities is the catalog of named orchestrations a principal
// can invoke (an "intent_name"), each resolving to the plan_kind/version
// that carries it out. Plans remain the runtime contract (§4.8); an
// ability is the table that maps a request's intent to one.
package abilities

import "fmt"

// Ability is one entry in the catalog: an intent name bound to the
// plan kind/version that implements it.
type Ability struct {
	Name        string `yaml:"name"`
	PlanKind    string `yaml:"plan_kind"`
	PlanVersion int    `yaml:"plan_version"`
	Description string `yaml:"description"`
}

// Registry resolves intent names to abilities, built once at boot and
// read-only thereafter (the only legitimate mutable process-wide state
// is the FSM's current-state marker in the store; this catalog, like
// fsmcatalog.Catalog, is a read-through cache over fixture files).
type Registry struct {
	byName map[string]Ability
}

// NewRegistry builds a Registry from a slice of abilities, erroring on
// a duplicate intent name so a catalog mistake is caught at boot
// rather than resolving to whichever entry happened to load last.
func NewRegistry(entries []Ability) (*Registry, error) {
	byName := make(map[string]Ability, len(entries))
	for _, a := range entries {
		if a.Name == "" {
			return nil, fmt.Errorf("ability entry missing name (plan_kind %q)", a.PlanKind)
		}
		if _, exists := byName[a.Name]; exists {
			return nil, fmt.Errorf("duplicate ability name %q", a.Name)
		}
		byName[a.Name] = a
	}
	return &Registry{byName: byName}, nil
}

// Resolve looks up the ability bound to intentName.
func (r *Registry) Resolve(intentName string) (Ability, bool) {
	a, ok := r.byName[intentName]
	return a, ok
}

// Names returns every registered intent name, for diagnostics and the
// boot-time validation log line.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}
