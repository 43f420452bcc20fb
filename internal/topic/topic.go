// Package topic implements the topic registry: one broker-topic handle
// per logical name, reference-counted so that in-flight sessions can
// keep using a handle across a config reload that drops it.
package topic

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/example/n2kafka/internal/partition"
)

// Handle is a topic registry entry. PartitionKey names the JSON field
// whose value the partitioner consumes as the partition key, an
// interior string pulled from the payload after parsing; with an empty
// PartitionKey the ZZ decoder leaves messages on the random partition.
type Handle struct {
	Name           string
	PartitionKey   string
	Partitioner    partition.Func
	PartitionAlgo  string // name Partitioner was resolved from, e.g. "mac"; "" for the random default
	PartitionCount int32  // modulus passed to Partitioner; 0 means "ask the broker"

	refs int64 // registry's own reference counts as 1 while installed
}

// Acquire increments the handle's reference count and returns it. Every
// Acquire must be matched by a Release.
func (h *Handle) Acquire() *Handle {
	atomic.AddInt64(&h.refs, 1)
	return h
}

// Release decrements the handle's reference count.
func (h *Handle) Release() {
	atomic.AddInt64(&h.refs, -1)
}

// RefCount reports the handle's current reference count, for tests and
// diagnostics.
func (h *Handle) RefCount() int64 {
	return atomic.LoadInt64(&h.refs)
}

// Registry owns the current generation of topic handles and swaps it
// atomically under a write lock on reload.
type Registry struct {
	mu           sync.RWMutex
	topics       map[string]*Handle
	partitioners *partition.Registry
}

// NewRegistry creates an empty topic registry resolving partitioner
// names against partitioners.
func NewRegistry(partitioners *partition.Registry) *Registry {
	return &Registry{
		topics:       make(map[string]*Handle),
		partitioners: partitioners,
	}
}

// Add registers a new topic handle, holding the registry's own
// reference (refs starts at 1). partitionCount is the modulus passed
// to Partitioner when it resolves a concrete partition index; 0 means
// the caller leaves partition selection to the broker.
func (r *Registry) Add(name, partitionKey, partitionerName string, partitionCount int32) (*Handle, error) {
	fn, ok := r.partitioners.Lookup(partitionerName)
	if !ok && partitionerName != "" {
		return nil, fmt.Errorf("topic %s: unknown partitioner %q", name, partitionerName)
	}
	if !ok {
		fn = partition.Random
	}

	h := &Handle{Name: name, PartitionKey: partitionKey, Partitioner: fn, PartitionAlgo: partitionerName, PartitionCount: partitionCount, refs: 1}

	r.mu.Lock()
	r.topics[name] = h
	r.mu.Unlock()
	return h, nil
}

// Lookup finds the handle for name and increments its reference count
// for the caller. The caller must call Release when done.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.RLock()
	h, ok := r.topics[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return h.Acquire(), true
}

// Release returns a reference obtained from Lookup.
func (r *Registry) Release(h *Handle) {
	h.Release()
}

// Swap installs newTopics as the live generation. Every handle present
// in the old generation but absent from newTopics has the registry's
// own reference dropped; it stays alive only as long as sessions still
// hold borrowed references from before the swap.
func (r *Registry) Swap(newTopics map[string]*Handle) {
	r.mu.Lock()
	old := r.topics
	r.topics = newTopics
	r.mu.Unlock()

	for name, h := range old {
		if _, stillPresent := newTopics[name]; !stillPresent {
			h.Release()
		}
	}
}

// Names returns the names of every live topic.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.topics))
	for n := range r.topics {
		names = append(names, n)
	}
	return names
}
