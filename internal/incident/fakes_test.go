package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/auralis/telemetry-core/internal/database"
)

// fakeMarkerStore is a test fake for MarkerStore.
type fakeMarkerStore struct {
	markers map[string]Marker
	getErr  error
	// beforeCreate runs inside Create before the NX check.
	beforeCreate func()
}

func newFakeMarkerStore() *fakeMarkerStore {
	return &fakeMarkerStore{markers: make(map[string]Marker)}
}

func (f *fakeMarkerStore) Get(_ context.Context, ruleKey string, sensorID int64) (*Marker, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	m, ok := f.markers[MarkerKey(ruleKey, sensorID)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *fakeMarkerStore) Create(_ context.Context, ruleKey string, sensorID int64, m Marker) (bool, error) {
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	key := MarkerKey(ruleKey, sensorID)
	if _, ok := f.markers[key]; ok {
		return false, nil
	}
	f.markers[key] = m
	return true, nil
}

func (f *fakeMarkerStore) Replace(_ context.Context, ruleKey string, sensorID int64, m Marker) error {
	f.markers[MarkerKey(ruleKey, sensorID)] = m
	return nil
}

func (f *fakeMarkerStore) Delete(_ context.Context, ruleKey string, sensorID int64) error {
	delete(f.markers, MarkerKey(ruleKey, sensorID))
	return nil
}

type fakeRow struct {
	table       database.Table
	sensorID    int64
	ruleID      *int64
	triggering  float64
	peak        float64
	last        float64
	updateCount int
	active      bool
	resolvedAt  time.Time
	description string
	severity    string
}

// fakeStore is a test fake for Store with incident-table semantics.
type fakeStore struct {
	rows       map[int64]*fakeRow
	nextID     int64
	resolveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]*fakeRow)}
}

func (f *fakeStore) CreateIncident(_ context.Context, inc database.NewIncident) (int64, error) {
	if !inc.Table.Valid() {
		return 0, fmt.Errorf("unknown incident table: %q", inc.Table)
	}
	// Like the SQL statement, an active row of the same sensor and rule is reused.
	for id, row := range f.rows {
		if row.active && row.table == inc.Table && row.sensorID == inc.SensorID && sameRule(row.ruleID, inc.RuleID) {
			return id, nil
		}
	}
	f.nextID++
	f.rows[f.nextID] = &fakeRow{
		table:       inc.Table,
		sensorID:    inc.SensorID,
		ruleID:      inc.RuleID,
		triggering:  inc.Value,
		peak:        inc.Value,
		last:        inc.Value,
		updateCount: 1,
		active:      true,
		description: inc.Description,
		severity:    inc.Severity,
	}
	return f.nextID, nil
}

func (f *fakeStore) UpdateIncident(_ context.Context, table database.Table, id int64, value float64) error {
	row, ok := f.rows[id]
	if !ok || row.table != table || !row.active {
		return database.ErrIncidentNotFound
	}
	row.last = value
	row.updateCount++
	if value > row.peak {
		row.peak = value
	}
	return nil
}

func (f *fakeStore) ResolveIncident(_ context.Context, table database.Table, id int64, value float64, at time.Time) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	row, ok := f.rows[id]
	if !ok || row.table != table || !row.active {
		return database.ErrIncidentNotFound
	}
	row.active = false
	row.last = value
	row.resolvedAt = at
	return nil
}

func (f *fakeStore) open(sensorID int64) []*fakeRow {
	var out []*fakeRow
	for _, row := range f.rows {
		if row.active && row.sensorID == sensorID {
			out = append(out, row)
		}
	}
	return out
}

// fakePublisher is a test fake for Publisher.
type fakePublisher struct {
	changes []Change
	err     error
}

func (f *fakePublisher) PublishIncidentChange(_ context.Context, change Change) error {
	f.changes = append(f.changes, change)
	return f.err
}

// fakeMetrics is a test fake for MetricsRecorder.
type fakeMetrics struct {
	processedCalls int
	errorCalls     int
	customCalls    map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{customCalls: make(map[string]int)}
}

func (f *fakeMetrics) RecordProcessed(time.Duration) { f.processedCalls++ }
func (f *fakeMetrics) RecordError()                  { f.errorCalls++ }
func (f *fakeMetrics) IncrementCustom(name string)   { f.customCalls[name]++ }

func sameRule(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
