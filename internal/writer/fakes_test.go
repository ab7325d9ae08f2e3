package writer

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"

	"github.com/auralis/telemetry-core/internal/database"
	"github.com/auralis/telemetry-core/internal/incident"
)

var errUnavailable = fmt.Errorf("database unavailable: %w", driver.ErrBadConn)

// fakeStore is a test fake for MeasurementStore.
type fakeStore struct {
	mu      sync.Mutex
	batches [][]database.Measurement
	calls   int
	// failures is the number of calls that fail before the store recovers; -1 fails forever.
	failures int
}

func (f *fakeStore) InsertMeasurements(_ context.Context, batch []database.Measurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errUnavailable
	}
	f.batches = append(f.batches, append([]database.Measurement(nil), batch...))
	return nil
}

func (f *fakeStore) rows() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, b := range f.batches {
		for _, m := range b {
			ids = append(ids, m.SensorID)
		}
	}
	return ids
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// fakeHandler is a test fake for EventHandler.
type fakeHandler struct {
	mu       sync.Mutex
	attempts []int64
	applied  []int64
	failures map[int64]int
	// failErr is returned for failed attempts; errUnavailable when nil.
	failErr error
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{failures: make(map[int64]int)}
}

func (f *fakeHandler) Handle(_ context.Context, ev incident.Event) (incident.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, ev.SensorID)
	if f.failures[ev.SensorID] > 0 {
		f.failures[ev.SensorID]--
		if f.failErr != nil {
			return incident.Change{}, f.failErr
		}
		return incident.Change{}, errUnavailable
	}
	f.applied = append(f.applied, ev.SensorID)
	return incident.Change{Action: incident.ActionCreated, SensorID: ev.SensorID, RuleKey: ev.RuleKey}, nil
}

func (f *fakeHandler) snapshot() (attempts, applied []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.attempts...), append([]int64(nil), f.applied...)
}

// fakeMetrics is a test fake for MetricsRecorder.
type fakeMetrics struct {
	mu      sync.Mutex
	written int
	errors  int
	custom  map[string]uint64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{custom: make(map[string]uint64)}
}

func (f *fakeMetrics) RecordWritten(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written += n
}

func (f *fakeMetrics) RecordError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors++
}

func (f *fakeMetrics) IncrementCustom(name string) { f.AddCustom(name, 1) }

func (f *fakeMetrics) AddCustom(name string, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.custom[name] += value
}

func (f *fakeMetrics) get(name string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.custom[name]
}
