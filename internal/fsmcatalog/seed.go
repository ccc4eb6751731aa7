package fsmcatalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/khabaznak/alphonse-agent/internal/store"
)

// Seed is the on-disk shape of a default catalog fixture: enough to
// bring an empty store up to a working idle/shutdown skeleton. Operators
// extend it with domain-specific states, signals and transitions.
type Seed struct {
	InitialState string           `yaml:"initial_state" toml:"initial_state"`
	States       []SeedState      `yaml:"states" toml:"states"`
	Signals      []string         `yaml:"signals" toml:"signals"`
	Transitions  []SeedTransition `yaml:"transitions" toml:"transitions"`
}

type SeedState struct {
	Key        string `yaml:"key" toml:"key"`
	Name       string `yaml:"name" toml:"name"`
	IsTerminal bool   `yaml:"is_terminal" toml:"is_terminal"`
}

type SeedTransition struct {
	ID            string `yaml:"id" toml:"id"`
	State         string `yaml:"state" toml:"state"` // empty + match_any_state=true for wildcard
	Signal        string `yaml:"signal" toml:"signal"`
	NextState     string `yaml:"next_state" toml:"next_state"`
	Priority      int    `yaml:"priority" toml:"priority"`
	GuardKey      string `yaml:"guard_key" toml:"guard_key"`
	ActionKey     string `yaml:"action_key" toml:"action_key"`
	MatchAnyState bool   `yaml:"match_any_state" toml:"match_any_state"`
}

// LoadSeedFile reads a seed fixture, dispatching on extension: ".toml"
// uses the BurntSushi/toml decoder (an alternate format for operators
// who prefer TOML fixtures), anything else is parsed as YAML.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed %q: %w", path, err)
	}

	var seed Seed
	if strings.HasSuffix(path, ".toml") {
		if err := decodeTOML(data, &seed); err != nil {
			return nil, fmt.Errorf("parse toml catalog seed %q: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parse yaml catalog seed %q: %w", path, err)
		}
	}
	return &seed, nil
}

// Apply upserts every state, signal, and transition in the seed into
// the store, and sets the initial FSM state if none is set yet. It is
// safe to call repeatedly (every boot): rows are upserted by natural
// key, so re-running the bundled default seed after a manual catalog
// edit only refreshes rows the seed still declares.
func (seed *Seed) Apply(ctx context.Context, s *store.Store) error {
	repo := s.Catalog()

	for _, st := range seed.States {
		if err := repo.UpsertState(ctx, store.State{ID: store.NewID(), Key: st.Key, Name: st.Name, IsTerminal: st.IsTerminal, IsEnabled: true}); err != nil {
			return fmt.Errorf("seed state %q: %w", st.Key, err)
		}
	}
	for _, sigKey := range seed.Signals {
		if err := repo.UpsertSignalType(ctx, store.SignalType{ID: store.NewID(), Key: sigKey}); err != nil {
			return fmt.Errorf("seed signal %q: %w", sigKey, err)
		}
	}

	// Re-load states/signals to resolve ids for transitions, including
	// any rows that already existed before this Apply call.
	loadedStates, err := repo.LoadStates(ctx)
	if err != nil {
		return fmt.Errorf("reload states: %w", err)
	}
	stateKeyToID := make(map[string]string, len(loadedStates))
	for _, st := range loadedStates {
		stateKeyToID[st.Key] = st.ID
	}
	loadedSignals, err := repo.LoadSignalTypes(ctx)
	if err != nil {
		return fmt.Errorf("reload signal types: %w", err)
	}
	signalKeyToID := make(map[string]string, len(loadedSignals))
	for _, sig := range loadedSignals {
		signalKeyToID[sig.Key] = sig.ID
	}

	for _, t := range seed.Transitions {
		signalID, ok := signalKeyToID[t.Signal]
		if !ok {
			return fmt.Errorf("seed transition %q references undeclared signal %q", t.ID, t.Signal)
		}
		nextStateID, ok := stateKeyToID[t.NextState]
		if !ok {
			return fmt.Errorf("seed transition %q references undeclared next_state %q", t.ID, t.NextState)
		}

		var stateID sql.NullString
		if !t.MatchAnyState {
			id, ok := stateKeyToID[t.State]
			if !ok {
				return fmt.Errorf("seed transition %q references undeclared state %q", t.ID, t.State)
			}
			stateID = sql.NullString{String: id, Valid: true}
		}

		if err := repo.UpsertTransition(ctx, store.Transition{
			ID:            t.ID,
			StateID:       stateID,
			SignalID:      signalID,
			NextStateID:   nextStateID,
			Priority:      t.Priority,
			IsEnabled:     true,
			GuardKey:      t.GuardKey,
			ActionKey:     t.ActionKey,
			MatchAnyState: t.MatchAnyState,
		}); err != nil {
			return fmt.Errorf("seed transition %q: %w", t.ID, err)
		}
	}

	if seed.InitialState == "" {
		return nil
	}
	current, err := repo.CurrentState(ctx)
	if err != nil {
		return fmt.Errorf("read current state: %w", err)
	}
	if current != "" {
		return nil
	}
	return s.Tx(ctx, func(tx *sql.Tx) error {
		return store.SetCurrentStateTx(ctx, tx, seed.InitialState)
	})
}
