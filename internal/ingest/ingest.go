// Package ingest turns broker messages into measurements and incident events. It keeps
// the broker subscriptions in line with the sensor catalog.
package ingest

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auralis/telemetry-core/internal/bands"
	"github.com/auralis/telemetry-core/internal/catalog"
	"github.com/auralis/telemetry-core/internal/database"
	"github.com/auralis/telemetry-core/internal/incident"
	"github.com/auralis/telemetry-core/internal/policy"
	"github.com/auralis/telemetry-core/internal/rules"
)

// MeasurementSink accepts measurements without blocking. Push reports whether an older
// item was discarded to make room.
type MeasurementSink interface {
	Push(m database.Measurement) bool
}

// EventSink accepts incident events without blocking.
type EventSink interface {
	Push(ev incident.Event) bool
}

// MetricsRecorder records ingestion metrics.
type MetricsRecorder interface {
	RecordReceived()
	RecordProcessed(latency time.Duration)
	RecordError()
	IncrementCustom(name string)
}

// NoOpMetrics is a null-object implementation of MetricsRecorder.
type NoOpMetrics struct{}

var _ MetricsRecorder = (*NoOpMetrics)(nil)

// RecordReceived does nothing.
func (n *NoOpMetrics) RecordReceived() {}

// RecordProcessed does nothing.
func (n *NoOpMetrics) RecordProcessed(_ time.Duration) {}

// RecordError does nothing.
func (n *NoOpMetrics) RecordError() {}

// IncrementCustom does nothing.
func (n *NoOpMetrics) IncrementCustom(_ string) {}

type ruleSensor struct {
	ruleID   int64
	sensorID int64
}

// Ingestor routes messages and reconciles subscriptions.
//
// HandleMessage must be called from a single goroutine (the paho ordered callback); it
// owns the band tracker and the rule state. Reconcile and Resubscribe may run on any
// goroutine and are serialized with each other.
type Ingestor struct {
	store        *catalog.Store
	decoder      *Decoder
	measurements MeasurementSink
	events       EventSink
	metrics      MetricsRecorder
	qos          byte

	topics    atomic.Pointer[TopicMap]
	ruleIndex atomic.Pointer[rules.Index]

	mu         sync.Mutex // guards client and subscribed
	client     Client
	subscribed map[string]struct{}

	// Owned by the message goroutine.
	tracker    *bands.Tracker
	seenTopics *TopicMap
	ruleFiring map[ruleSensor]bool
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithMetrics sets the metrics recorder. A nil recorder is ignored.
func WithMetrics(m MetricsRecorder) Option {
	return func(i *Ingestor) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithQoS sets the subscription QoS.
func WithQoS(qos byte) Option {
	return func(i *Ingestor) { i.qos = qos }
}

// New creates an ingestor reading the catalog from store.
func New(store *catalog.Store, decoder *Decoder, tracker *bands.Tracker, measurements MeasurementSink, events EventSink, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:        store,
		decoder:      decoder,
		tracker:      tracker,
		measurements: measurements,
		events:       events,
		metrics:      &NoOpMetrics{},
		subscribed:   make(map[string]struct{}),
		ruleFiring:   make(map[ruleSensor]bool),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.topics.Store(NewTopicMap(catalog.Empty()))
	i.ruleIndex.Store(rules.NewIndex(nil))
	return i
}

// SetClient attaches the broker client. It is separate from New because the client's
// message callback is the ingestor itself.
func (i *Ingestor) SetClient(c Client) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.client = c
}

// OnSnapshot is a catalog.Listener.
func (i *Ingestor) OnSnapshot(_ *catalog.Snapshot) {
	i.Reconcile()
}

// Reconcile rebuilds the routing tables from the current snapshot and moves the broker
// subscriptions to match: new topics are subscribed, vanished ones unsubscribed.
func (i *Ingestor) Reconcile() {
	i.mu.Lock()
	defer i.mu.Unlock()

	snap := i.store.Load()
	next := NewTopicMap(snap)
	i.topics.Store(next)
	i.ruleIndex.Store(rules.NewIndex(snap.Rules))

	if i.client == nil || !i.client.IsConnected() {
		// Subscriptions are rebuilt from the topic map on the next connect.
		slog.Debug("Broker not connected, deferring subscription sync", "topics", next.Len())
		return
	}

	subscribe, unsubscribe := next.diff(i.subscribed)
	if len(unsubscribe) > 0 {
		if err := i.client.Unsubscribe(unsubscribe); err != nil {
			slog.Error("Failed to unsubscribe from topics", "count", len(unsubscribe), "error", err)
		} else {
			for _, t := range unsubscribe {
				delete(i.subscribed, t)
			}
		}
	}
	if len(subscribe) > 0 {
		if err := i.client.Subscribe(subscribe, i.qos); err != nil {
			slog.Error("Failed to subscribe to topics", "count", len(subscribe), "error", err)
		} else {
			for _, t := range subscribe {
				i.subscribed[t] = struct{}{}
			}
		}
	}
	if len(subscribe) > 0 || len(unsubscribe) > 0 {
		slog.Info("Subscriptions synchronized",
			"subscribed", len(subscribe),
			"unsubscribed", len(unsubscribe),
			"total", len(i.subscribed),
		)
	}
}

// Resubscribe re-applies every current topic. It is the client's on-connect hook: the
// broker session is clean after a reconnect.
func (i *Ingestor) Resubscribe() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.subscribed = make(map[string]struct{})
	if i.client == nil {
		return
	}
	topics := i.topics.Load().Subscriptions()
	if len(topics) == 0 {
		return
	}
	if err := i.client.Subscribe(topics, i.qos); err != nil {
		slog.Error("Failed to restore subscriptions", "count", len(topics), "error", err)
		return
	}
	for _, t := range topics {
		i.subscribed[t] = struct{}{}
	}
	slog.Info("Subscriptions restored", "topics", len(topics))
}

// Subscribed returns the number of topics currently subscribed.
func (i *Ingestor) Subscribed() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subscribed)
}

// HandleMessage processes one broker message.
func (i *Ingestor) HandleMessage(topic string, payload []byte) {
	start := time.Now()
	i.metrics.RecordReceived()

	topics := i.topics.Load()
	if topics != i.seenTopics {
		i.seenTopics = topics
		i.tracker.Forget(topics.Contains)
		for key := range i.ruleFiring {
			if !topics.Contains(key.sensorID) {
				delete(i.ruleFiring, key)
			}
		}
	}

	sensorID, ok := topics.Lookup(topic)
	if !ok {
		i.metrics.IncrementCustom("unknown_topic")
		return
	}
	snap := i.store.Load()
	sensor, ok := snap.Sensor(sensorID)
	if !ok {
		i.metrics.IncrementCustom("unknown_topic")
		return
	}

	reading, err := i.decoder.Decode(payload)
	if err != nil {
		reason := DecodeReason("unknown")
		var decErr *DecodeError
		if errors.As(err, &decErr) {
			reason = decErr.Reason
		}
		i.metrics.IncrementCustom("payloads_dropped")
		i.metrics.RecordError()
		slog.Warn("Dropping undecodable payload",
			"topic", topic,
			"sensor_id", sensorID,
			"reason", reason,
			"error", err,
		)
		return
	}

	if i.measurements.Push(database.Measurement{SensorID: sensor.ID, MeasuredAt: reading.At, Value: reading.Value}) {
		i.metrics.IncrementCustom("measurements_dropped")
	}

	i.classify(snap, sensor, reading)
	i.evaluateRules(snap, sensor, reading)

	i.metrics.RecordProcessed(time.Since(start))
}

// classify runs the policy bands and routes the decision:
// committed transitions and readings that stay out of band become events; pending
// readings and readings that stay NORMAL do not. The first reading of a sensor is
// always routed so an incident left open by a previous run gets resolved.
func (i *Ingestor) classify(snap *catalog.Snapshot, sensor catalog.Sensor, r Reading) {
	res := policy.Resolve(sensor, snap.Policies)
	d := i.tracker.Classify(sensor.ID, res.Thresholds, r.Value, r.At, res.PersistenceSeconds)

	ev := incident.Event{
		SensorID: sensor.ID,
		RuleKey:  incident.BandsRuleKey,
		Band:     d.Band,
		Value:    r.Value,
		At:       r.At,
	}
	switch {
	case d.Outcome == bands.Committed:
		slog.Debug("Band committed",
			"sensor_id", sensor.ID,
			"from", d.Previous,
			"to", d.Band,
			"value", r.Value,
		)
	case d.Outcome == bands.Unchanged && !d.Band.IsNormal():
		ev.Observation = true
	case d.First && d.Outcome == bands.Unchanged:
	default:
		return
	}
	i.pushEvent(ev)
}

// evaluateRules routes rule outcomes. Triggered rules are routed on every reading;
// a rule that stops triggering is routed once.
func (i *Ingestor) evaluateRules(snap *catalog.Snapshot, sensor catalog.Sensor, r Reading) {
	idx := i.ruleIndex.Load()
	if !idx.HasSensor(sensor.ID) {
		return
	}
	for _, res := range idx.Evaluate(sensor, r.Value, snap.PoliciesByID) {
		key := ruleSensor{ruleID: res.RuleID, sensorID: sensor.ID}
		wasFiring, known := i.ruleFiring[key]
		i.ruleFiring[key] = res.Triggered
		if !res.Triggered && known && !wasFiring {
			continue
		}

		ruleID := res.RuleID
		ev := incident.Event{
			SensorID: sensor.ID,
			RuleKey:  incident.RuleKey(ruleID),
			RuleID:   &ruleID,
			Band:     res.Band(),
			Value:    r.Value,
			At:       r.At,
		}
		if res.Triggered {
			ev.Description = res.Description()
			ev.Severity = rules.AlarmSeverity(res.Severity)
			slog.Debug("Rule triggered",
				"rule_id", res.RuleID,
				"rule", res.RuleName,
				"sensor_id", sensor.ID,
				"value", r.Value,
				"threshold", res.Threshold,
			)
		}
		i.pushEvent(ev)
	}
}

func (i *Ingestor) pushEvent(ev incident.Event) {
	if i.events.Push(ev) {
		i.metrics.IncrementCustom("events_dropped")
	}
}
