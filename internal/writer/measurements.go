// Package writer drains the hand-off queues into the database. Each writer runs on its
// own goroutine with its own database session.
package writer

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/auralis/telemetry-core/internal/database"
)

const (
	DefaultBatchSize          = 200
	DefaultFlushInterval      = 800 * time.Millisecond
	DefaultPollTimeout        = 200 * time.Millisecond
	DefaultMaxRetainedBatches = 10
	DefaultDrainTimeout       = 5 * time.Second
	DefaultMaxEventAttempts   = 3
)

// Config controls batching and retry.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// PollTimeout bounds each wait on the queue so flush deadlines are honored.
	PollTimeout time.Duration
	// MaxRetainedBatches caps the buffer kept across failed flushes, in batches.
	MaxRetainedBatches int
	// DrainTimeout bounds the final flush on shutdown.
	DrainTimeout time.Duration
	// RetryInitial and RetryMax shape the backoff between failed flushes.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// MaxEventAttempts bounds retries of incident events failing for reasons other
	// than a lost connection.
	MaxEventAttempts int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.PollTimeout > c.FlushInterval {
		c.PollTimeout = c.FlushInterval
	}
	if c.MaxRetainedBatches <= 0 {
		c.MaxRetainedBatches = DefaultMaxRetainedBatches
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxEventAttempts <= 0 {
		c.MaxEventAttempts = DefaultMaxEventAttempts
	}
	return c
}

func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryInitial
	b.MaxInterval = c.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// MeasurementWriter batches measurements into multi-row inserts.
type MeasurementWriter struct {
	source  Source[database.Measurement]
	store   MeasurementStore
	cfg     Config
	metrics MetricsRecorder

	buf         []database.Measurement
	lastFlush   time.Time
	retryAt     time.Time
	retry       *backoff.ExponentialBackOff
	failedSince int
}

// NewMeasurementWriter creates a writer. A nil metrics recorder means no metrics.
func NewMeasurementWriter(source Source[database.Measurement], store MeasurementStore, cfg Config, m MetricsRecorder) *MeasurementWriter {
	if m == nil {
		m = &NoOpMetrics{}
	}
	cfg = cfg.withDefaults()
	return &MeasurementWriter{
		source:  source,
		store:   store,
		cfg:     cfg,
		metrics: m,
		buf:     make([]database.Measurement, 0, cfg.BatchSize),
		retry:   cfg.newBackOff(),
	}
}

// Run consumes the queue until ctx is cancelled, then drains what is left and flushes
// it within the drain timeout.
func (w *MeasurementWriter) Run(ctx context.Context) {
	slog.Info("Starting measurement writer",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	w.lastFlush = time.Now()

	for ctx.Err() == nil {
		if len(w.buf) < w.retainLimit() {
			if m, ok := w.source.Pop(ctx, w.cfg.PollTimeout); ok {
				w.buf = append(w.buf, m)
				if room := w.cfg.BatchSize - len(w.buf); room > 0 {
					w.buf = append(w.buf, w.source.Drain(room)...)
				}
			}
		} else {
			// The buffer is full of unwritten rows; leave new ones to the queue's
			// overflow policy until a flush succeeds.
			sleep(ctx, w.cfg.PollTimeout)
		}
		if w.due(time.Now()) {
			w.flush(ctx)
		}
	}

	w.shutdown()
}

// due reports whether the buffer should be flushed now.
func (w *MeasurementWriter) due(now time.Time) bool {
	if len(w.buf) == 0 || now.Before(w.retryAt) {
		return false
	}
	return len(w.buf) >= w.cfg.BatchSize || now.Sub(w.lastFlush) >= w.cfg.FlushInterval
}

// flush writes the buffer. On failure the buffer is kept for the next attempt, trimmed
// to the retention cap by discarding the oldest rows.
func (w *MeasurementWriter) flush(ctx context.Context) bool {
	n := len(w.buf)
	if err := w.store.InsertMeasurements(ctx, w.buf); err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.metrics.RecordError()
		w.failedSince++
		delay := w.retry.NextBackOff()
		w.retryAt = time.Now().Add(delay)
		w.trim()
		slog.Error("Failed to write measurements, retaining batch",
			"rows", n,
			"retained", len(w.buf),
			"attempt", w.failedSince,
			"retry_in", delay,
			"error", err,
		)
		return false
	}

	w.metrics.RecordWritten(n)
	if w.failedSince > 0 {
		slog.Info("Measurement writes recovered", "rows", n, "failed_attempts", w.failedSince)
	}
	slog.Debug("Measurements written", "rows", n)
	w.buf = w.buf[:0]
	w.lastFlush = time.Now()
	w.retryAt = time.Time{}
	w.retry.Reset()
	w.failedSince = 0
	return true
}

func (w *MeasurementWriter) retainLimit() int {
	return w.cfg.MaxRetainedBatches * w.cfg.BatchSize
}

func (w *MeasurementWriter) trim() {
	if over := len(w.buf) - w.retainLimit(); over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
		w.metrics.AddCustom("measurements_discarded", uint64(over))
		slog.Warn("Measurement retention cap reached, discarding oldest rows", "discarded", over)
	}
}

// shutdown drains the queue and flushes synchronously, retrying until the drain
// timeout expires.
func (w *MeasurementWriter) shutdown() {
	w.buf = append(w.buf, w.source.Drain(0)...)
	if len(w.buf) == 0 {
		slog.Info("Measurement writer stopped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	w.retryAt = time.Time{}
	for {
		if w.flush(ctx) {
			slog.Info("Measurement writer stopped")
			return
		}
		wait := time.Until(w.retryAt)
		select {
		case <-ctx.Done():
			w.metrics.AddCustom("measurements_discarded", uint64(len(w.buf)))
			slog.Error("Measurement writer stopped with unwritten rows", "rows", len(w.buf))
			return
		case <-time.After(wait):
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
