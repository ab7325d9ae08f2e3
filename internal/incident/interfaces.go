package incident

import (
	"context"
	"time"

	"github.com/auralis/telemetry-core/internal/database"
)

// MarkerStore holds the open-incident marker of every (rule key, sensor) pair.
type MarkerStore interface {
	// Get returns the marker, or nil when none is set.
	Get(ctx context.Context, ruleKey string, sensorID int64) (*Marker, error)
	// Create sets the marker only if none exists and reports whether it did.
	Create(ctx context.Context, ruleKey string, sensorID int64, m Marker) (bool, error)
	// Replace overwrites the marker.
	Replace(ctx context.Context, ruleKey string, sensorID int64, m Marker) error
	// Delete removes the marker. Deleting a missing marker is not an error.
	Delete(ctx context.Context, ruleKey string, sensorID int64) error
}

// Store persists incident rows. *database.Session implements it.
type Store interface {
	CreateIncident(ctx context.Context, inc database.NewIncident) (int64, error)
	UpdateIncident(ctx context.Context, table database.Table, id int64, value float64) error
	ResolveIncident(ctx context.Context, table database.Table, id int64, value float64, at time.Time) error
}

var _ Store = (*database.Session)(nil)

// Publisher is told about every incident that is opened, superseded or resolved.
type Publisher interface {
	PublishIncidentChange(ctx context.Context, change Change) error
}

// MetricsRecorder records incident handling metrics.
type MetricsRecorder interface {
	RecordProcessed(latency time.Duration)
	RecordError()
	IncrementCustom(name string)
}

// NoOpMetrics is a null-object implementation of MetricsRecorder.
type NoOpMetrics struct{}

var _ MetricsRecorder = (*NoOpMetrics)(nil)

// RecordProcessed does nothing.
func (n *NoOpMetrics) RecordProcessed(_ time.Duration) {}

// RecordError does nothing.
func (n *NoOpMetrics) RecordError() {}

// IncrementCustom does nothing.
func (n *NoOpMetrics) IncrementCustom(_ string) {}
