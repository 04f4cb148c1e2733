package core

import (
	"reflect"
	"testing"
)

func TestNewSnapshotCopiesInput(t *testing.T) {
	flags := []Flag{{Key: "a", Enabled: true, Prerequisites: []string{"b"}}, {Key: "b", Enabled: true}}
	snapshot := NewSnapshot(flags, nil)

	flags[0].Prerequisites[0] = "mutated"
	flags[1].Enabled = false

	got, ok := snapshot.Flag("a")
	if !ok {
		t.Fatal("Flag(a) not found")
	}
	if got.Prerequisites[0] != "b" {
		t.Fatalf("Flag(a).Prerequisites = %v, want [b]", got.Prerequisites)
	}

	got.Prerequisites[0] = "changed-by-caller"
	again, _ := snapshot.Flag("a")
	if again.Prerequisites[0] != "b" {
		t.Fatalf("Flag() returned shared slice, got %v", again.Prerequisites)
	}

	if b, _ := snapshot.Flag("b"); !b.Enabled {
		t.Fatal("Flag(b).Enabled = false, want true")
	}
}

func TestSnapshotCopyOnWrite(t *testing.T) {
	base := NewSnapshot([]Flag{{Key: "a", Enabled: true}}, []Segment{{Name: "beta"}})

	withFlag := base.WithFlag(Flag{Key: "b"})
	withoutFlag := withFlag.WithoutFlag("a")
	withSegment := base.WithSegment(Segment{Name: "staff"})
	withoutSegment := withSegment.WithoutSegment("beta")

	if got, want := base.Keys(), []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("base.Keys() = %v, want %v", got, want)
	}
	if got, want := withFlag.Keys(), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("withFlag.Keys() = %v, want %v", got, want)
	}
	if got, want := withoutFlag.Keys(), []string{"b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("withoutFlag.Keys() = %v, want %v", got, want)
	}
	if got := len(base.Segments()); got != 1 {
		t.Fatalf("len(base.Segments()) = %d, want 1", got)
	}
	if _, ok := withoutSegment.Segment("beta"); ok {
		t.Fatal("withoutSegment still has beta")
	}
	if _, ok := withoutSegment.Segment("staff"); !ok {
		t.Fatal("withoutSegment lost staff")
	}
}

func TestNilSnapshot(t *testing.T) {
	var snapshot *Snapshot

	if snapshot.Len() != 0 || snapshot.Keys() != nil || snapshot.Flags() != nil {
		t.Fatal("nil snapshot should behave as empty")
	}
	if _, ok := snapshot.Flag("a"); ok {
		t.Fatal("Flag() on nil snapshot found a flag")
	}
	if snapshot.HasFlag("a") {
		t.Fatal("HasFlag() on nil snapshot = true, want false")
	}

	next := snapshot.WithFlag(Flag{Key: "a"})
	if next.Len() != 1 {
		t.Fatalf("WithFlag() on nil snapshot Len() = %d, want 1", next.Len())
	}
}

func TestSnapshotHasFlag(t *testing.T) {
	snapshot := NewSnapshot([]Flag{{
		Key:       "checkout-experiment",
		Enabled:   true,
		Variants:  []Variant{{Name: "control", Weight: 50}, {Name: "wizard", Weight: 50}},
		Targeting: &Targeting{Rules: []Rule{{Attribute: "plan", Operator: OperatorIn, Value: []any{"pro"}}}},
	}}, nil)

	if !snapshot.HasFlag("checkout-experiment") {
		t.Fatal("HasFlag(checkout-experiment) = false, want true")
	}
	if snapshot.HasFlag("missing") {
		t.Fatal("HasFlag(missing) = true, want false")
	}
	if allocs := testing.AllocsPerRun(100, func() { snapshot.HasFlag("checkout-experiment") }); allocs != 0 {
		t.Fatalf("HasFlag() allocations = %v, want 0", allocs)
	}
}

func TestMutexGroupClosure(t *testing.T) {
	snapshot := NewSnapshot([]Flag{
		{Key: "a", Mutex: []string{"b"}},
		{Key: "c", Mutex: []string{"b", "c"}},
		{Key: "d", Mutex: []string{"e"}},
		{Key: "solo"},
	}, nil)

	want := []string{"a", "b", "c"}
	for _, key := range want {
		if got := snapshot.MutexGroup(key); !reflect.DeepEqual(got, want) {
			t.Fatalf("MutexGroup(%q) = %v, want %v", key, got, want)
		}
	}
	if got, want := snapshot.MutexGroup("e"), []string{"d", "e"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("MutexGroup(e) = %v, want %v", got, want)
	}
	if got := snapshot.MutexGroup("solo"); got != nil {
		t.Fatalf("MutexGroup(solo) = %v, want nil", got)
	}
}
