// Package fsmcatalog holds the in-memory, read-through cache of the
// persistent FSM catalog (states, signals, transitions) the engine
// consults on every signal, plus the seed-file loader that populates an
// empty catalog at first boot. The catalog is data, not code (§9): an
// operator can add a transition or disable a sense without a redeploy,
// by editing rows the next boot reseeds or an operator tool writes
// directly.
package fsmcatalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/khabaznak/alphonse-agent/internal/store"
)

// State mirrors store.State for read-through consumption by the engine.
type State struct {
	Key        string
	Name       string
	IsTerminal bool
	IsEnabled  bool
}

// Transition mirrors store.Transition, resolved against in-memory state
// and signal keys rather than row ids, for fast lookup.
type Transition struct {
	ID            string
	StateKey      string // empty when MatchAnyState
	SignalKey     string
	NextStateKey  string
	Priority      int
	IsEnabled     bool
	GuardKey      string
	ActionKey     string
	MatchAnyState bool
}

// Catalog is the loaded, queryable snapshot. It is immutable after
// Load; a fresh Load call is how the process picks up catalog edits
// (no partial invalidation, per §9's read-through requirement).
type Catalog struct {
	states      map[string]State
	signalKeys  map[string]struct{}
	byKeyPair   map[string][]Transition // "stateKey\x00signalKey" -> candidates, explicit + wildcard merged
	initialized bool
}

// ErrEmptyCatalog is returned by Load when no states are present: boot
// must treat this as fatal (§8 boundary behavior: "Empty catalog at
// boot: fatal, no signals consumed").
var ErrEmptyCatalog = fmt.Errorf("fsmcatalog: catalog is empty")

// Load reads every catalog row from the store and builds the in-memory
// index the FSM engine queries on each signal.
func Load(ctx context.Context, s *store.Store) (*Catalog, error) {
	repo := s.Catalog()

	states, err := repo.LoadStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	if len(states) == 0 {
		return nil, ErrEmptyCatalog
	}
	signals, err := repo.LoadSignalTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load signal types: %w", err)
	}
	transitions, err := repo.LoadTransitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}

	c := &Catalog{
		states:     make(map[string]State, len(states)),
		signalKeys: make(map[string]struct{}, len(signals)),
		byKeyPair:  make(map[string][]Transition),
	}

	stateByID := make(map[string]string, len(states))
	for _, st := range states {
		stateByID[st.ID] = st.Key
		c.states[st.Key] = State{Key: st.Key, Name: st.Name, IsTerminal: st.IsTerminal, IsEnabled: st.IsEnabled}
	}
	signalByID := make(map[string]string, len(signals))
	for _, sig := range signals {
		signalByID[sig.ID] = sig.Key
		c.signalKeys[sig.Key] = struct{}{}
	}

	for _, t := range transitions {
		if !t.IsEnabled {
			continue
		}
		signalKey, ok := signalByID[t.SignalID]
		if !ok {
			return nil, fmt.Errorf("transition %q references unknown signal id %q", t.ID, t.SignalID)
		}
		nextKey, ok := stateByID[t.NextStateID]
		if !ok {
			return nil, fmt.Errorf("transition %q references unknown next_state id %q", t.ID, t.NextStateID)
		}
		var stateKey string
		if t.StateID.Valid {
			stateKey, ok = stateByID[t.StateID.String]
			if !ok {
				return nil, fmt.Errorf("transition %q references unknown state id %q", t.ID, t.StateID.String)
			}
		}

		ct := Transition{
			ID:            t.ID,
			StateKey:      stateKey,
			SignalKey:     signalKey,
			NextStateKey:  nextKey,
			Priority:      t.Priority,
			IsEnabled:     t.IsEnabled,
			GuardKey:      t.GuardKey,
			ActionKey:     t.ActionKey,
			MatchAnyState: t.MatchAnyState,
		}

		if ct.MatchAnyState {
			// A wildcard transition is a candidate for every declared
			// state paired with its signal.
			for stKey := range c.states {
				key := indexKey(stKey, signalKey)
				c.byKeyPair[key] = append(c.byKeyPair[key], ct)
			}
		} else {
			key := indexKey(stateKey, signalKey)
			c.byKeyPair[key] = append(c.byKeyPair[key], ct)
		}
	}

	for key, candidates := range c.byKeyPair {
		sortCandidates(candidates)
		c.byKeyPair[key] = candidates
	}

	c.initialized = true
	return c, nil
}

// sortCandidates orders transitions per §4.6 step 2 (match_any_state
// ASC, priority ASC, id ASC): every explicit-source transition sorts
// before every wildcard one whatever their priorities, then lowest
// priority wins, then lowest id breaks remaining ties.
func sortCandidates(ts []Transition) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].MatchAnyState != ts[j].MatchAnyState {
			return !ts[i].MatchAnyState // explicit (false) sorts before wildcard (true)
		}
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority < ts[j].Priority
		}
		return ts[i].ID < ts[j].ID
	})
}

func indexKey(stateKey, signalKey string) string {
	return stateKey + "\x00" + signalKey
}

// Candidates returns the ordered list of enabled transitions matching
// (stateKey, signalKey), explicit-source and wildcard merged and
// ordered per §4.6 step 2. The FSM engine walks this list, evaluating
// each transition's guard in order, and takes the first whose guard
// passes (or that has none).
func (c *Catalog) Candidates(stateKey, signalKey string) []Transition {
	return c.byKeyPair[indexKey(stateKey, signalKey)]
}

// State looks up a catalog state by key.
func (c *Catalog) State(key string) (State, bool) {
	st, ok := c.states[key]
	return st, ok
}

// HasSignal reports whether signalKey is a declared catalog signal
// type.
func (c *Catalog) HasSignal(signalKey string) bool {
	_, ok := c.signalKeys[signalKey]
	return ok
}

// AllTransitions returns every loaded transition, deduplicated (a
// match_any_state transition is indexed once per state internally but
// reported here only once), for boot-time key validation.
func (c *Catalog) AllTransitions() []Transition {
	seen := make(map[string]struct{})
	var out []Transition
	for _, candidates := range c.byKeyPair {
		for _, t := range candidates {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// ValidateKeys checks every transition's action_key and (if set)
// guard_key against hasAction/hasGuard, returning a single error
// listing every unresolved key (§9: "unknown keys at resolve time are
// a validation error surfaced on boot").
func (c *Catalog) ValidateKeys(hasAction func(key string) bool, hasGuard func(key string) bool) error {
	var missing []string
	for _, t := range c.AllTransitions() {
		if t.ActionKey != "" && !hasAction(t.ActionKey) {
			missing = append(missing, fmt.Sprintf("transition %q: unknown action_key %q", t.ID, t.ActionKey))
		}
		if t.GuardKey != "" && !hasGuard(t.GuardKey) {
			missing = append(missing, fmt.Sprintf("transition %q: unknown guard_key %q", t.ID, t.GuardKey))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("catalog validation failed:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}
