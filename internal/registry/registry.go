// Package registry implements the sensor/organization registry:
// read-mostly, rwlock-guarded, with a hot-swappable generation and the
// accounting primitives the accounting subsystem drives.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/metrics"
)

// Sensor is one sensor entry: identity UUID, static enrichment, and an
// optional owning organization.
type Sensor struct {
	UUID       string
	Enrichment map[string]any
	OrgUUID    string // "" if the sensor is not org-owned

	refs int64
}

// Acquire borrows a reference to the sensor, keeping it alive across a
// registry swap until Release.
func (s *Sensor) Acquire() *Sensor {
	atomic.AddInt64(&s.refs, 1)
	return s
}

// Release returns a borrowed reference.
func (s *Sensor) Release() {
	atomic.AddInt64(&s.refs, -1)
}

// Organization is one organization entry: identity UUID, an optional
// byte quota, and atomically-updated accounting counters.
type Organization struct {
	UUID      string
	ByteLimit *int64 // nil: unlimited

	consumed     int64 // atomic
	limitReached int32 // atomic bool (0/1)

	refs int64
}

// AddConsumed atomically adds n to the organization's consumed counter
// and reports whether this call is the one that first crossed the
// quota (the caller should invoke the limit-reached callback exactly
// once in that case).
func (o *Organization) AddConsumed(n int64) (crossedNow bool) {
	total := atomic.AddInt64(&o.consumed, n)
	if o.ByteLimit == nil || total < *o.ByteLimit {
		return false
	}
	return atomic.CompareAndSwapInt32(&o.limitReached, 0, 1)
}

// LimitReached reports whether the organization's quota latch is set.
func (o *Organization) LimitReached() bool {
	return atomic.LoadInt32(&o.limitReached) == 1
}

// ConsumedBytes reports the current accumulator value.
func (o *Organization) ConsumedBytes() int64 {
	return atomic.LoadInt64(&o.consumed)
}

// Acquire borrows a reference to the organization.
func (o *Organization) Acquire() *Organization {
	atomic.AddInt64(&o.refs, 1)
	return o
}

// Release returns a borrowed reference.
func (o *Organization) Release() {
	atomic.AddInt64(&o.refs, -1)
}

// Snapshot is the periodic usage message: {uuid, consumed_bytes,
// timestamp, node_id}.
type Snapshot struct {
	UUID          string `json:"uuid"`
	ConsumedBytes int64  `json:"consumed_bytes"`
	Timestamp     int64  `json:"timestamp"`
	NodeID        string `json:"node_id"`
}

// SnapshotInterval produces one serialized usage snapshot for org. If
// reset is set, the organization's counter and limit latch are rolled
// over (cleared) after the snapshot value is captured, matching the
// accounting subsystem's clean-timer semantics.
func SnapshotInterval(org *Organization, now time.Time, nodeID string, reset bool) ([]byte, error) {
	snap := Snapshot{
		UUID:          org.UUID,
		ConsumedBytes: org.ConsumedBytes(),
		Timestamp:     now.Unix(),
		NodeID:        nodeID,
	}
	if reset {
		atomic.StoreInt64(&org.consumed, 0)
		atomic.StoreInt32(&org.limitReached, 0)
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal snapshot for %s: %w", org.UUID, err)
	}
	return b, nil
}

// Root is the live generation of sensors and organizations.
type Root struct {
	mu      sync.RWMutex
	sensors map[string]*Sensor
	orgs    map[string]*Organization
}

// NewRoot returns an empty Root.
func NewRoot() *Root {
	return &Root{sensors: make(map[string]*Sensor), orgs: make(map[string]*Organization)}
}

// Parse builds a new Root off-lock from zz, the zz_http2k_config section
// of the gateway configuration. It does not install itself; call Swap
// to make it live (see the Open Question resolution in DESIGN.md).
func Parse(zz config.ZZConfig) (*Root, error) {
	root := NewRoot()

	for uuid, org := range zz.OrganizationsUUIDs {
		root.orgs[uuid] = &Organization{UUID: uuid, ByteLimit: org.BytesLimit, refs: 1}
	}
	for uuid, sensor := range zz.SensorsUUIDs {
		if sensor.OrganizationUUID != "" {
			if _, ok := root.orgs[sensor.OrganizationUUID]; !ok {
				return nil, fmt.Errorf("registry: sensor %s references unknown organization %s", uuid, sensor.OrganizationUUID)
			}
		}
		root.sensors[uuid] = &Sensor{
			UUID:       uuid,
			Enrichment: sensor.Enrichment,
			OrgUUID:    sensor.OrganizationUUID,
			refs:       1,
		}
	}
	return root, nil
}

// LookupSensor returns the sensor and (if the sensor belongs to one) its
// organization, each with a borrowed reference the caller must Release.
// Unknown UUID reports ok=false, which decoders treat as an auth
// failure.
func (r *Root) LookupSensor(uuid string) (sensor *Sensor, org *Organization, ok bool) {
	start := time.Now()
	defer func() { metrics.RecordRegistryLookup("sensor", time.Since(start)) }()

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sensors[uuid]
	if !ok {
		return nil, nil, false
	}
	s = s.Acquire()
	if s.OrgUUID == "" {
		return s, nil, true
	}
	o, ok := r.orgs[s.OrgUUID]
	if !ok {
		return s, nil, true
	}
	return s, o.Acquire(), true
}

// LookupOrganization returns the organization with a borrowed reference.
func (r *Root) LookupOrganization(uuid string) (*Organization, bool) {
	start := time.Now()
	defer func() { metrics.RecordRegistryLookup("organization", time.Since(start)) }()

	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orgs[uuid]
	if !ok {
		return nil, false
	}
	return o.Acquire(), true
}

// Organizations returns every live organization with a borrowed
// reference each, for the accounting subsystem's periodic walk. The
// caller must Release each one.
func (r *Root) Organizations() []*Organization {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Organization, 0, len(r.orgs))
	for _, o := range r.orgs {
		out = append(out, o.Acquire())
	}
	return out
}

// Swap installs newRoot's maps as this Root's live generation. Readers
// already mid-lookup keep using the generation they observed; the old
// generation's entries stay alive as long as any reference is held. No
// lookup ever returns a partially constructed registry: every lookup
// sees either the pre-swap or the post-swap generation.
func (r *Root) Swap(newRoot *Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors = newRoot.sensors
	r.orgs = newRoot.orgs
}
