package catalog

import (
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the catalog. Once published through a Store it must
// not be modified; build a new one instead.
type Snapshot struct {
	Sensors  map[int64]Sensor
	Policies map[Scope][]AlertPolicy
	// PoliciesByID indexes every active policy, for rule conditions that link a policy.
	PoliciesByID map[int64]AlertPolicy
	Rules        []Rule

	LoadedAt      time.Time
	RulesLoadedAt time.Time
}

// NewSnapshot builds a snapshot from catalog rows. Policies keep the order they are
// given in within each scope. Inactive sensors and policies without bands_active are
// skipped.
func NewSnapshot(sensors []Sensor, policies []AlertPolicy, rules []Rule, loadedAt time.Time) *Snapshot {
	snap := &Snapshot{
		Sensors:      make(map[int64]Sensor, len(sensors)),
		Policies:     make(map[Scope][]AlertPolicy),
		PoliciesByID: make(map[int64]AlertPolicy, len(policies)),
		Rules:        rules,
		LoadedAt:     loadedAt,
	}
	for _, s := range sensors {
		if !s.Active {
			continue
		}
		snap.Sensors[s.ID] = s
	}
	for _, p := range policies {
		if !p.BandsActive || !p.Scope.Valid() {
			continue
		}
		snap.Policies[p.Scope] = append(snap.Policies[p.Scope], p)
		snap.PoliciesByID[p.ID] = p
	}
	return snap
}

// WithRules returns a copy of the snapshot carrying a new rule set. Maps are shared,
// which is safe because snapshots are never mutated.
func (s *Snapshot) WithRules(rules []Rule, loadedAt time.Time) *Snapshot {
	next := *s
	next.Rules = rules
	next.RulesLoadedAt = loadedAt
	return &next
}

// WithCatalog returns a copy of s with the sensor and policy views of other and the
// rules of s.
func (s *Snapshot) WithCatalog(other *Snapshot) *Snapshot {
	next := *other
	next.Rules = s.Rules
	next.RulesLoadedAt = s.RulesLoadedAt
	return &next
}

// Sensor returns the sensor with the given id.
func (s *Snapshot) Sensor(id int64) (Sensor, bool) {
	sensor, ok := s.Sensors[id]
	return sensor, ok
}

// Empty returns a snapshot with no sensors, policies or rules.
func Empty() *Snapshot {
	return NewSnapshot(nil, nil, nil, time.Time{})
}

// Store publishes the current snapshot. Readers never block and never observe a
// partially built snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a store holding an empty snapshot.
func NewStore() *Store {
	st := &Store{}
	st.current.Store(Empty())
	return st
}

// Load returns the current snapshot.
func (st *Store) Load() *Snapshot {
	return st.current.Load()
}

// Swap publishes snap and returns the snapshot it replaced.
func (st *Store) Swap(snap *Snapshot) *Snapshot {
	return st.current.Swap(snap)
}
