package ingest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralis/telemetry-core/internal/bands"
	"github.com/auralis/telemetry-core/internal/catalog"
	"github.com/auralis/telemetry-core/internal/database"
	"github.com/auralis/telemetry-core/internal/incident"
)

func f(v float64) *float64 { return &v }

func testSensors() []catalog.Sensor {
	return []catalog.Sensor{
		{ID: 7, StationID: 1, CompanyID: 1, SensorTypeID: 1, Name: "temp", Topic: " /St1/temp/ ", Active: true},
		{ID: 8, StationID: 1, CompanyID: 1, SensorTypeID: 2, Name: "hum", Topic: "/St1/hum", Active: true},
	}
}

func testPolicies() []catalog.AlertPolicy {
	return []catalog.AlertPolicy{{
		ID: 1, Scope: catalog.ScopeGlobal, Mode: catalog.ModeAbsolute,
		WarnHigh: f(70), AlertHigh: f(90), Hysteresis: f(2), BandsActive: true,
	}}
}

type harness struct {
	store        *catalog.Store
	client       *fakeClient
	measurements *fakeSink[database.Measurement]
	events       *fakeSink[incident.Event]
	metrics      *fakeMetrics
	ing          *Ingestor
}

func newHarness(t *testing.T, sensors []catalog.Sensor, policies []catalog.AlertPolicy, rules []catalog.Rule) *harness {
	t.Helper()
	h := &harness{
		store:        catalog.NewStore(),
		client:       newFakeClient(true),
		measurements: &fakeSink[database.Measurement]{},
		events:       &fakeSink[incident.Event]{},
		metrics:      newFakeMetrics(),
	}
	h.store.Swap(catalog.NewSnapshot(sensors, policies, rules, t0))
	h.ing = New(h.store, fixedDecoder(nil), bands.NewTracker(), h.measurements, h.events,
		WithMetrics(h.metrics), WithQoS(1))
	h.ing.SetClient(h.client)
	h.ing.Reconcile()
	return h
}

func (h *harness) bandEvents() []incident.Event {
	var out []incident.Event
	for _, ev := range h.events.items {
		if ev.RuleKey == incident.BandsRuleKey {
			out = append(out, ev)
		}
	}
	return out
}

func TestIngestor_ReconcileSubscriptions(t *testing.T) {
	h := newHarness(t, testSensors(), nil, nil)

	assert.Equal(t, []string{"/St1/hum", "/St1/temp/"}, h.client.subscribed())
	assert.Equal(t, byte(1), h.client.topics["/St1/hum"])
	assert.Equal(t, 2, h.ing.Subscribed())

	// Sensor 8 leaves the catalog, sensor 9 joins.
	sensors := testSensors()[:1]
	sensors = append(sensors, catalog.Sensor{ID: 9, Topic: "/St2/temp", Active: true})
	h.store.Swap(catalog.NewSnapshot(sensors, nil, nil, t0))
	h.ing.OnSnapshot(h.store.Load())

	assert.Equal(t, []string{"/St1/temp/", "/St2/temp"}, h.client.subscribed())
	assert.Equal(t, 1, h.client.unsubCalls)

	// Reconciling an unchanged catalog touches nothing.
	calls := h.client.subCalls
	h.ing.Reconcile()
	assert.Equal(t, calls, h.client.subCalls)
}

func TestIngestor_DisconnectedReconcileDefersToResubscribe(t *testing.T) {
	h := newHarness(t, testSensors(), nil, nil)
	h.client.setConnected(false)

	sensors := append(testSensors(), catalog.Sensor{ID: 9, Topic: "/St2/temp", Active: true})
	h.store.Swap(catalog.NewSnapshot(sensors, nil, nil, t0))
	h.ing.Reconcile()
	assert.Empty(t, h.client.subscribed())

	h.client.setConnected(true)
	h.ing.Resubscribe()
	assert.Equal(t, []string{"/St1/hum", "/St1/temp/", "/St2/temp"}, h.client.subscribed())
	assert.Equal(t, 3, h.ing.Subscribed())
}

func TestIngestor_FailedSubscribeIsRetried(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.client.subErr = errors.New("not authorized")

	h.store.Swap(catalog.NewSnapshot(testSensors(), nil, nil, t0))
	h.ing.Reconcile()
	assert.Equal(t, 0, h.ing.Subscribed())

	h.client.subErr = nil
	h.ing.Reconcile()
	assert.Equal(t, 2, h.ing.Subscribed())
}

func TestIngestor_BandScenario(t *testing.T) {
	h := newHarness(t, testSensors(), testPolicies(), nil)

	for _, v := range []float64{60, 75, 72, 95, 60} {
		h.ing.HandleMessage("/St1/temp", []byte(fmt.Sprintf("%g", v)))
	}

	require.Len(t, h.measurements.items, 5)
	assert.Equal(t, int64(7), h.measurements.items[0].SensorID)
	assert.Equal(t, 95.0, h.measurements.items[3].Value)
	assert.True(t, t0.Equal(h.measurements.items[0].MeasuredAt))

	evs := h.bandEvents()
	require.Len(t, evs, 5)
	// The first reading is routed so a stale incident from a previous run resolves.
	assert.Equal(t, bands.Normal, evs[0].Band)
	assert.Equal(t, bands.WarnHigh, evs[1].Band)
	assert.False(t, evs[1].Observation)
	assert.Equal(t, bands.WarnHigh, evs[2].Band)
	assert.True(t, evs[2].Observation)
	assert.Equal(t, 72.0, evs[2].Value)
	assert.Equal(t, bands.AlertHigh, evs[3].Band)
	assert.Equal(t, bands.Normal, evs[4].Band)
	assert.Equal(t, 5, h.metrics.processedCalls)
}

func TestIngestor_PersistenceHoldsEvents(t *testing.T) {
	policies := testPolicies()
	secs := 10
	policies[0].PersistenceSeconds = &secs
	h := newHarness(t, testSensors(), policies, nil)

	payload := func(v float64, at time.Time) []byte {
		return []byte(fmt.Sprintf(`{"value": %g, "ts": %q}`, v, at.Format(time.RFC3339)))
	}

	h.ing.HandleMessage("/St1/temp/", payload(50, t0))
	h.ing.HandleMessage("/St1/temp/", payload(95, t0.Add(time.Second)))
	h.ing.HandleMessage("/St1/temp/", payload(95, t0.Add(5*time.Second)))
	assert.Len(t, h.bandEvents(), 1, "pending readings are not routed")

	h.ing.HandleMessage("/St1/temp/", payload(95, t0.Add(11*time.Second)))
	evs := h.bandEvents()
	require.Len(t, evs, 2)
	assert.Equal(t, bands.AlertHigh, evs[1].Band)
	assert.True(t, t0.Add(11*time.Second).Equal(evs[1].At))
}

func TestIngestor_DropsUnknownAndMalformed(t *testing.T) {
	h := newHarness(t, testSensors(), testPolicies(), nil)

	h.ing.HandleMessage("/Unknown/topic", []byte("50"))
	h.ing.HandleMessage("/St1/temp", []byte("hot"))

	assert.Empty(t, h.measurements.items)
	assert.Empty(t, h.events.items)
	assert.Equal(t, 1, h.metrics.customCalls["unknown_topic"])
	assert.Equal(t, 1, h.metrics.customCalls["payloads_dropped"])
	assert.Equal(t, 1, h.metrics.errorCalls)
}

func TestIngestor_CountsQueueOverflow(t *testing.T) {
	h := newHarness(t, testSensors(), testPolicies(), nil)
	h.measurements.full = true
	h.events.full = true

	h.ing.HandleMessage("/St1/temp", []byte("95"))

	assert.Equal(t, 1, h.metrics.customCalls["measurements_dropped"])
	assert.Equal(t, 1, h.metrics.customCalls["events_dropped"])
}

func TestIngestor_RemovedSensorForgetsState(t *testing.T) {
	h := newHarness(t, testSensors(), testPolicies(), nil)

	h.ing.HandleMessage("/St1/temp", []byte("95"))
	assert.Equal(t, bands.AlertHigh, h.ing.tracker.Band(7))

	h.store.Swap(catalog.NewSnapshot(testSensors()[1:], testPolicies(), nil, t0))
	h.ing.Reconcile()
	h.ing.HandleMessage("/St1/temp", []byte("95"))
	h.ing.HandleMessage("/St1/hum", []byte("10"))

	assert.Equal(t, bands.Normal, h.ing.tracker.Band(7))
	assert.Equal(t, 1, h.ing.tracker.Len())
	assert.Equal(t, 1, h.metrics.customCalls["unknown_topic"])
}

func TestIngestor_Rules(t *testing.T) {
	rules := []catalog.Rule{{
		ID: 3, Name: "Overheat", Severity: catalog.SeverityCritical,
		Conditions: map[int64]catalog.Condition{
			7: {ID: 30, SourceSensorID: 7, ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpGreater, Value: f(80)},
		},
	}}
	h := newHarness(t, testSensors(), nil, rules)

	for _, v := range []float64{50, 60, 85, 86, 50, 40} {
		h.ing.HandleMessage("/St1/temp", []byte(fmt.Sprintf("%g", v)))
	}

	var evs []incident.Event
	for _, ev := range h.events.items {
		if ev.RuleKey == incident.RuleKey(3) {
			evs = append(evs, ev)
		}
	}
	require.Len(t, evs, 4)
	assert.Equal(t, bands.Normal, evs[0].Band)
	assert.Equal(t, bands.AlertHigh, evs[1].Band)
	assert.Equal(t, "CRITICA", evs[1].Severity)
	assert.Equal(t, "Incidente iniciado por la regla 'Overheat'.", evs[1].Description)
	require.NotNil(t, evs[1].RuleID)
	assert.Equal(t, int64(3), *evs[1].RuleID)
	assert.Equal(t, 86.0, evs[2].Value)
	assert.Equal(t, bands.Normal, evs[3].Band)
	assert.Equal(t, 50.0, evs[3].Value)
}
