package relay

import (
	"sync"

	"github.com/verse-pbc/groups-relay/internal/domain"
	"github.com/verse-pbc/groups-relay/internal/metrics"
)

// Registry maps group IDs to the single Processor that owns mutation for
// that group. GetOrCreate performs an atomic lookup-and-insert so two
// connections touching the same unseen group concurrently never spawn two
// owning processors for it.
type Registry struct {
	mu         sync.Mutex
	processors map[string]*Processor
	deps       ProcessorDeps
}

// NewRegistry builds an empty Registry. deps is shared by every processor
// it creates.
func NewRegistry(deps ProcessorDeps) *Registry {
	return &Registry{
		processors: make(map[string]*Processor),
		deps:       deps,
	}
}

// GetOrCreate returns the owning processor for groupID, starting one (which
// loads existing state from the store on its first tick) if this is the
// first reference to groupID since boot.
func (r *Registry) GetOrCreate(groupID string) *Processor {
	r.mu.Lock()
	if p, ok := r.processors[groupID]; ok {
		r.mu.Unlock()
		return p
	}
	p := newProcessor(groupID, r.deps)
	r.processors[groupID] = p
	metrics.GroupsActive.Set(float64(len(r.processors)))
	r.mu.Unlock()

	go p.run()
	return p
}

// Lookup returns the processor for groupID if one already exists, without
// creating it.
func (r *Registry) Lookup(groupID string) (*Processor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processors[groupID]
	return p, ok
}

// Snapshot returns the current state of groupID, or (Snapshot{}, false) if
// no processor has ever been created for it in this process.
func (r *Registry) Snapshot(groupID string) (Snapshot, bool) {
	p, ok := r.Lookup(groupID)
	if !ok {
		return Snapshot{}, false
	}
	s := p.currentSnapshot()
	return s, s.Loaded
}

// GroupSnapshot implements domain.GroupRegistry so the subscription engine
// can gate private-group reads without importing the relay package's
// concrete Snapshot type.
func (r *Registry) GroupSnapshot(groupID string) (domain.GroupSnapshot, bool) {
	s, ok := r.Snapshot(groupID)
	if !ok {
		return nil, false
	}
	return s, true
}

// All returns the IDs of every group with a live processor.
func (r *Registry) All() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.processors))
	for id := range r.processors {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every processor, flushing any pending materializer debounce.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.processors {
		p.stop()
	}
}
