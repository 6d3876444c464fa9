package relay

import (
	"testing"
)

func newTestRegistry() *Registry {
	return NewRegistry(ProcessorDeps{
		Authorizer:   NewAuthorizer(""),
		Materializer: NewMaterializer("", ""),
	})
}

func TestRegistry_GetOrCreate_ReturnsSameProcessorForSameID(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	p1 := r.GetOrCreate("g1")
	p2 := r.GetOrCreate("g1")

	if p1 != p2 {
		t.Error("expected GetOrCreate to return the same processor for the same group id")
	}
}

func TestRegistry_GetOrCreate_DistinctProcessorsForDistinctIDs(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	p1 := r.GetOrCreate("g1")
	p2 := r.GetOrCreate("g2")

	if p1 == p2 {
		t.Error("expected distinct groups to get distinct processors")
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	if _, ok := r.Lookup("unknown"); ok {
		t.Error("expected Lookup of an unknown group to report false")
	}

	created := r.GetOrCreate("g1")
	found, ok := r.Lookup("g1")
	if !ok || found != created {
		t.Error("expected Lookup to find the processor created by GetOrCreate")
	}
}

func TestRegistry_Snapshot_UnknownGroup(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	if _, ok := r.Snapshot("unknown"); ok {
		t.Error("expected Snapshot of a group with no processor to report false")
	}
}

func TestRegistry_GroupSnapshot_UnknownGroup(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	snap, ok := r.GroupSnapshot("unknown")
	if ok || snap != nil {
		t.Error("expected GroupSnapshot of an unknown group to report false and a nil interface value")
	}
}

func TestRegistry_All(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	r.GetOrCreate("g1")
	r.GetOrCreate("g2")

	ids := r.All()
	if len(ids) != 2 {
		t.Fatalf("expected 2 tracked group ids, got %d: %v", len(ids), ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["g1"] || !seen["g2"] {
		t.Errorf("expected both g1 and g2 tracked, got %v", ids)
	}
}

func TestRegistry_Shutdown_StopsProcessors(t *testing.T) {
	r := newTestRegistry()
	p := r.GetOrCreate("g1")

	r.Shutdown()

	select {
	case <-p.quit:
	default:
		t.Error("expected processor's quit channel to be closed after Shutdown")
	}
}
