package abilities

import "testing"

func TestRegistry_ResolveFindsRegisteredAbility(t *testing.T) {
	reg, err := NewRegistry([]Ability{
		{Name: "schedule_reminder", PlanKind: "reminder", PlanVersion: 1},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	a, ok := reg.Resolve("schedule_reminder")
	if !ok {
		t.Fatal("expected schedule_reminder to resolve")
	}
	if a.PlanKind != "reminder" || a.PlanVersion != 1 {
		t.Errorf("resolved = %+v, want plan_kind=reminder version=1", a)
	}
}

func TestRegistry_ResolveMissingReturnsFalse(t *testing.T) {
	reg, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := reg.Resolve("nope"); ok {
		t.Fatal("expected Resolve to report false for an unregistered name")
	}
}

func TestNewRegistry_RejectsDuplicateName(t *testing.T) {
	_, err := NewRegistry([]Ability{
		{Name: "dup", PlanKind: "a", PlanVersion: 1},
		{Name: "dup", PlanKind: "b", PlanVersion: 1},
	})
	if err == nil {
		t.Fatal("expected error for duplicate ability name")
	}
}

func TestNewRegistry_RejectsMissingName(t *testing.T) {
	_, err := NewRegistry([]Ability{{PlanKind: "a", PlanVersion: 1}})
	if err == nil {
		t.Fatal("expected error for an ability missing a name")
	}
}

func TestRegistry_NamesListsAll(t *testing.T) {
	reg, err := NewRegistry([]Ability{
		{Name: "a", PlanKind: "k1", PlanVersion: 1},
		{Name: "b", PlanKind: "k2", PlanVersion: 1},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}
