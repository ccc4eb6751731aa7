package store

import (
	"context"
	"database/sql"
	"fmt"
)

// State is a catalog-loaded FSM node (§3).
type State struct {
	ID         string
	Key        string
	Name       string
	IsTerminal bool
	IsEnabled  bool
}

// SignalType is a catalog-loaded signal kind.
type SignalType struct {
	ID  string
	Key string
}

// Transition is a catalog-loaded edge between states (§3).
type Transition struct {
	ID            string
	StateID       sql.NullString // empty when MatchAnyState
	SignalID      string
	NextStateID   string
	Priority      int
	IsEnabled     bool
	GuardKey      string
	ActionKey     string
	MatchAnyState bool
}

// CatalogRepo reads and writes the FSM catalog tables.
type CatalogRepo struct{ db *sql.DB }

func (s *Store) Catalog() *CatalogRepo { return &CatalogRepo{db: s.db} }

// UpsertState inserts or replaces a state row by key.
func (r *CatalogRepo) UpsertState(ctx context.Context, st State) error {
	if st.ID == "" {
		st.ID = NewID()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fsm_states (id, key, name, is_terminal, is_enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET name=excluded.name, is_terminal=excluded.is_terminal, is_enabled=excluded.is_enabled
	`, st.ID, st.Key, st.Name, boolToInt(st.IsTerminal), boolToInt(st.IsEnabled))
	if err != nil {
		return fmt.Errorf("upsert state %q: %w", st.Key, err)
	}
	return nil
}

// UpsertSignalType inserts or replaces a signal type row by key.
func (r *CatalogRepo) UpsertSignalType(ctx context.Context, sig SignalType) error {
	if sig.ID == "" {
		sig.ID = NewID()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fsm_signal_types (id, key) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, sig.ID, sig.Key)
	if err != nil {
		return fmt.Errorf("upsert signal type %q: %w", sig.Key, err)
	}
	return nil
}

// UpsertTransition inserts or replaces a transition row by id.
func (r *CatalogRepo) UpsertTransition(ctx context.Context, t Transition) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	var stateID any
	if t.StateID.Valid {
		stateID = t.StateID.String
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fsm_transitions (id, state_id, signal_id, next_state_id, priority, is_enabled, guard_key, action_key, match_any_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state_id=excluded.state_id, signal_id=excluded.signal_id,
			next_state_id=excluded.next_state_id, priority=excluded.priority, is_enabled=excluded.is_enabled,
			guard_key=excluded.guard_key, action_key=excluded.action_key, match_any_state=excluded.match_any_state
	`, t.ID, stateID, t.SignalID, t.NextStateID, t.Priority, boolToInt(t.IsEnabled), nullIfEmpty(t.GuardKey), nullIfEmpty(t.ActionKey), boolToInt(t.MatchAnyState))
	if err != nil {
		return fmt.Errorf("upsert transition %q: %w", t.ID, err)
	}
	return nil
}

// LoadStates returns every catalog state.
func (r *CatalogRepo) LoadStates(ctx context.Context) ([]State, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, key, name, is_terminal, is_enabled FROM fsm_states`)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		var st State
		var terminal, enabled int
		if err := rows.Scan(&st.ID, &st.Key, &st.Name, &terminal, &enabled); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		st.IsTerminal = terminal == 1
		st.IsEnabled = enabled == 1
		out = append(out, st)
	}
	return out, rows.Err()
}

// LoadSignalTypes returns every catalog signal type.
func (r *CatalogRepo) LoadSignalTypes(ctx context.Context) ([]SignalType, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, key FROM fsm_signal_types`)
	if err != nil {
		return nil, fmt.Errorf("load signal types: %w", err)
	}
	defer rows.Close()

	var out []SignalType
	for rows.Next() {
		var sig SignalType
		if err := rows.Scan(&sig.ID, &sig.Key); err != nil {
			return nil, fmt.Errorf("scan signal type: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// LoadTransitions returns every catalog transition.
func (r *CatalogRepo) LoadTransitions(ctx context.Context) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, state_id, signal_id, next_state_id, priority, is_enabled, guard_key, action_key, match_any_state
		FROM fsm_transitions
	`)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var enabled, matchAny int
		var guardKey, actionKey sql.NullString
		if err := rows.Scan(&t.ID, &t.StateID, &t.SignalID, &t.NextStateID, &t.Priority, &enabled, &guardKey, &actionKey, &matchAny); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.IsEnabled = enabled == 1
		t.MatchAnyState = matchAny == 1
		t.GuardKey = guardKey.String
		t.ActionKey = actionKey.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// CurrentState returns the process-wide active state key, the only
// legitimate global mutable state (§9). Returns "" if unset (fresh
// store, before boot seeds FSM_INITIAL_STATE).
func (r *CatalogRepo) CurrentState(ctx context.Context) (string, error) {
	var key string
	err := r.db.QueryRowContext(ctx, `SELECT state_key FROM fsm_current_state WHERE id = 1`).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read current state: %w", err)
	}
	return key, nil
}

// SetCurrentStateTx writes the active state key within the caller's
// transaction, the only place this marker is ever mutated (§4.6 step 5).
func SetCurrentStateTx(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fsm_current_state (id, state_key) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET state_key = excluded.state_key
	`, key)
	if err != nil {
		return fmt.Errorf("set current state: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
