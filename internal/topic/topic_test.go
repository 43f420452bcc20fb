package topic

import (
	"testing"

	"github.com/example/n2kafka/internal/partition"
)

func newTestRegistry() *Registry {
	return NewRegistry(partition.NewRegistry())
}

func TestAddAndLookup(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Add("events", "deviceId", "mac", 4); err != nil {
		t.Fatalf("Add: %v", err)
	}

	h, ok := r.Lookup("events")
	if !ok {
		t.Fatal("Lookup: not found")
	}
	defer r.Release(h)

	if h.RefCount() != 2 { // 1 owned by registry + 1 borrowed
		t.Errorf("RefCount = %d, want 2", h.RefCount())
	}
}

func TestAddUnknownPartitionerFails(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Add("events", "", "bogus", 0); err == nil {
		t.Fatal("Add: expected error for unknown partitioner")
	}
}

func TestSwapDropsRemovedTopicsButBorrowedHandleSurvives(t *testing.T) {
	r := newTestRegistry()
	r.Add("events", "", "random", 0)

	h, ok := r.Lookup("events")
	if !ok {
		t.Fatal("Lookup: not found")
	}

	// Reload with an empty generation: "events" disappears.
	r.Swap(map[string]*Handle{})

	if _, ok := r.Lookup("events"); ok {
		t.Fatal("Lookup: events should be gone after swap")
	}
	// The registry's own reference was dropped, but the caller's borrow
	// is still live.
	if h.RefCount() != 1 {
		t.Errorf("RefCount after swap = %d, want 1 (borrowed ref still held)", h.RefCount())
	}

	r.Release(h)
	if h.RefCount() != 0 {
		t.Errorf("RefCount after release = %d, want 0", h.RefCount())
	}
}

func TestSwapKeepsRegistryReferenceForSurvivingTopic(t *testing.T) {
	r := newTestRegistry()
	r.Add("events", "", "random", 0)
	h, _ := r.Lookup("events")
	r.Release(h)

	newGen := map[string]*Handle{"events": h}
	r.Swap(newGen)
	if h.RefCount() != 1 {
		t.Errorf("RefCount after swap = %d, want 1 (registry reference kept)", h.RefCount())
	}

	got, ok := r.Lookup("events")
	if !ok {
		t.Fatal("events should survive a swap that carries it forward")
	}
	r.Release(got)
}
