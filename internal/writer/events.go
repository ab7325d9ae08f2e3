package writer

import (
	"context"
	"log/slog"
	"time"

	"github.com/auralis/telemetry-core/internal/database"
	"github.com/auralis/telemetry-core/internal/incident"
)

// EventWriter applies incident events one at a time in arrival order. A failed event
// is retried with backoff before the next one is taken, so later events for the same
// incident never overtake it.
type EventWriter struct {
	source  Source[incident.Event]
	handler EventHandler
	cfg     Config
	metrics MetricsRecorder
}

// NewEventWriter creates a writer. A nil metrics recorder means no metrics.
func NewEventWriter(source Source[incident.Event], handler EventHandler, cfg Config, m MetricsRecorder) *EventWriter {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &EventWriter{
		source:  source,
		handler: handler,
		cfg:     cfg.withDefaults(),
		metrics: m,
	}
}

// Run consumes the queue until ctx is cancelled, then applies what is left within the
// drain timeout.
func (w *EventWriter) Run(ctx context.Context) {
	slog.Info("Starting incident event writer")

	var pending *incident.Event
	for ctx.Err() == nil {
		if pending == nil {
			ev, ok := w.source.Pop(ctx, w.cfg.PollTimeout)
			if !ok {
				continue
			}
			pending = &ev
		}
		if w.apply(ctx, *pending) {
			pending = nil
		}
	}

	w.shutdown(pending)
}

// apply retries one event until it succeeds, fails permanently or ctx is done. It
// returns false only when ctx ended first; a dropped event counts as consumed.
func (w *EventWriter) apply(ctx context.Context, ev incident.Event) bool {
	b := w.cfg.newBackOff()
	for attempt := 1; ; attempt++ {
		change, err := w.handler.Handle(ctx, ev)
		if err == nil {
			w.metrics.RecordWritten(1)
			if change.Action != incident.ActionNone {
				slog.Info("Incident updated",
					"action", change.Action,
					"rule_key", change.RuleKey,
					"sensor_id", change.SensorID,
					"table", change.Table,
					"event_id", change.EventID,
					"band", change.Band,
					"value", change.Value,
				)
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		w.metrics.RecordError()
		if !w.retryable(err, attempt) {
			w.metrics.AddCustom("events_discarded", 1)
			slog.Error("Dropping incident event that cannot be applied",
				"rule_key", ev.RuleKey,
				"sensor_id", ev.SensorID,
				"band", ev.Band,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		delay := b.NextBackOff()
		slog.Error("Failed to apply incident event, retrying",
			"rule_key", ev.RuleKey,
			"sensor_id", ev.SensorID,
			"band", ev.Band,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

// retryable reports whether a failed event is worth applying again. Lost connections
// are retried for as long as the writer runs; rejected statements never are; anything
// else gets MaxEventAttempts tries.
func (w *EventWriter) retryable(err error, attempt int) bool {
	switch {
	case database.IsConnectionError(err):
		return true
	case database.IsStatementError(err):
		return false
	default:
		return attempt < w.cfg.MaxEventAttempts
	}
}

func (w *EventWriter) shutdown(pending *incident.Event) {
	remaining := w.source.Drain(0)
	if pending != nil {
		remaining = append([]incident.Event{*pending}, remaining...)
	}
	if len(remaining) == 0 {
		slog.Info("Incident event writer stopped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	for i, ev := range remaining {
		if !w.apply(ctx, ev) {
			lost := len(remaining) - i
			w.metrics.AddCustom("events_discarded", uint64(lost))
			slog.Error("Incident event writer stopped with unapplied events", "events", lost)
			return
		}
	}
	slog.Info("Incident event writer stopped", "drained", len(remaining))
}
