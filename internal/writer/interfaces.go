package writer

import (
	"context"
	"time"

	"github.com/auralis/telemetry-core/internal/database"
	"github.com/auralis/telemetry-core/internal/incident"
	"github.com/auralis/telemetry-core/internal/queue"
)

// Source is the consuming side of a hand-off queue.
type Source[T any] interface {
	// Pop waits up to timeout for an item. It returns false on timeout or when ctx is done.
	Pop(ctx context.Context, timeout time.Duration) (T, bool)
	// Drain removes up to max items (all when max <= 0) without waiting.
	Drain(max int) []T
}

var (
	_ Source[database.Measurement] = (*queue.Queue[database.Measurement])(nil)
	_ Source[incident.Event]       = (*queue.Queue[incident.Event])(nil)
)

// MeasurementStore persists measurement batches.
type MeasurementStore interface {
	InsertMeasurements(ctx context.Context, batch []database.Measurement) error
}

var _ MeasurementStore = (*database.Session)(nil)

// EventHandler applies incident events.
type EventHandler interface {
	Handle(ctx context.Context, ev incident.Event) (incident.Change, error)
}

var _ EventHandler = (*incident.Manager)(nil)

// MetricsRecorder records writer metrics.
type MetricsRecorder interface {
	RecordWritten(n int)
	RecordError()
	IncrementCustom(name string)
	AddCustom(name string, value uint64)
}

// NoOpMetrics is a null-object implementation of MetricsRecorder.
type NoOpMetrics struct{}

var _ MetricsRecorder = (*NoOpMetrics)(nil)

// RecordWritten does nothing.
func (n *NoOpMetrics) RecordWritten(_ int) {}

// RecordError does nothing.
func (n *NoOpMetrics) RecordError() {}

// IncrementCustom does nothing.
func (n *NoOpMetrics) IncrementCustom(_ string) {}

// AddCustom does nothing.
func (n *NoOpMetrics) AddCustom(_ string, _ uint64) {}
