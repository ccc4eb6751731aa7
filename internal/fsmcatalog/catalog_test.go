package fsmcatalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/khabaznak/alphonse-agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoad_EmptyCatalogIsFatal(t *testing.T) {
	s := newTestStore(t)
	_, err := Load(context.Background(), s)
	if err != ErrEmptyCatalog {
		t.Errorf("Load() error = %v, want ErrEmptyCatalog", err)
	}
}

func TestSeedApplyThenLoad_ResolvesDefaultCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed, err := LoadSeedFile("../../fixtures/catalog/default.yaml")
	if err != nil {
		t.Fatalf("LoadSeedFile() error = %v", err)
	}
	if err := seed.Apply(ctx, s); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	cat, err := Load(ctx, s)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, ok := cat.State("idle"); !ok {
		t.Error("expected idle state to be loaded")
	}
	if !cat.HasSignal("cli.message_received") {
		t.Error("expected cli.message_received to be a declared signal")
	}

	candidates := cat.Candidates("idle", "cli.message_received")
	if len(candidates) != 1 {
		t.Fatalf("Candidates() = %d, want 1", len(candidates))
	}
	if candidates[0].ActionKey != "handle_incoming_message" {
		t.Errorf("candidate action key = %q, want handle_incoming_message", candidates[0].ActionKey)
	}

	current, err := s.Catalog().CurrentState(ctx)
	if err != nil {
		t.Fatalf("CurrentState() error = %v", err)
	}
	if current != "idle" {
		t.Errorf("CurrentState() = %q, want idle", current)
	}
}

func TestCandidates_WildcardComesAfterExplicitAtEqualPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Catalog()

	idleID := store.NewID()
	if err := repo.UpsertState(ctx, store.State{ID: idleID, Key: "idle", Name: "Idle", IsEnabled: true}); err != nil {
		t.Fatalf("UpsertState() error = %v", err)
	}
	errID := store.NewID()
	if err := repo.UpsertState(ctx, store.State{ID: errID, Key: "error", Name: "Error", IsEnabled: true}); err != nil {
		t.Fatalf("UpsertState() error = %v", err)
	}
	sigID := store.NewID()
	if err := repo.UpsertSignalType(ctx, store.SignalType{ID: sigID, Key: "action.failed"}); err != nil {
		t.Fatalf("UpsertSignalType() error = %v", err)
	}

	// Explicit transition from idle, priority 10.
	explicit := store.Transition{ID: "t-explicit", SignalID: sigID, NextStateID: idleID, Priority: 10, IsEnabled: true}
	explicit.StateID.String, explicit.StateID.Valid = idleID, true
	if err := repo.UpsertTransition(ctx, explicit); err != nil {
		t.Fatalf("UpsertTransition(explicit) error = %v", err)
	}
	// Wildcard transition, same priority.
	wildcard := store.Transition{ID: "t-wildcard", SignalID: sigID, NextStateID: errID, Priority: 10, IsEnabled: true, MatchAnyState: true}
	if err := repo.UpsertTransition(ctx, wildcard); err != nil {
		t.Fatalf("UpsertTransition(wildcard) error = %v", err)
	}

	cat, err := Load(ctx, s)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	candidates := cat.Candidates("idle", "action.failed")
	if len(candidates) != 2 {
		t.Fatalf("Candidates() = %d, want 2", len(candidates))
	}
	if candidates[0].ID != "t-explicit" {
		t.Errorf("first candidate = %q, want explicit transition to sort first", candidates[0].ID)
	}
}
