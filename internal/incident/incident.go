// Package incident drives the lifecycle of warning and alarm rows. A Redis marker per
// (rule key, sensor) points at the open row, so at most one incident is open for each
// pair at any time.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/auralis/telemetry-core/internal/bands"
	"github.com/auralis/telemetry-core/internal/database"
)

const (
	// BandsRuleKey identifies incidents raised by policy bands.
	BandsRuleKey = "bands"
	// StatusFiring is the only marker status written.
	StatusFiring = "FIRING"
	// DefaultAlarmSeverity is stored on alarms raised by policy bands.
	DefaultAlarmSeverity = "ALTA"
)

// RuleKey returns the rule key of incidents raised by a rule.
func RuleKey(ruleID int64) string {
	return fmt.Sprintf("rule:%d", ruleID)
}

// MarkerKey returns the Redis key of a marker.
func MarkerKey(ruleKey string, sensorID int64) string {
	return fmt.Sprintf("incident:%s:%d", ruleKey, sensorID)
}

// Marker records the open incident of a (rule key, sensor) pair.
type Marker struct {
	Status  string         `json:"status"`
	EventID int64          `json:"event_id"`
	Table   database.Table `json:"table"`
}

// TableFor returns the table an incident in band b belongs to.
func TableFor(b bands.Band) database.Table {
	if b.IsAlert() {
		return database.AlarmTable
	}
	return database.WarningTable
}

// Describe builds the default description of a band incident.
func Describe(b bands.Band, value float64) string {
	words := strings.Split(strings.ToLower(string(b)), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	label := strings.Join(words, " ")
	if b.IsAlert() {
		return fmt.Sprintf("Fuera de rango: %s (v=%.3f)", label, value)
	}
	return fmt.Sprintf("Advertencia: %s (v=%.3f)", label, value)
}

// Event is one band decision for a sensor under one rule key.
type Event struct {
	SensorID int64
	RuleKey  string
	// RuleID is stored on the row; nil for policy bands.
	RuleID *int64
	Band   bands.Band
	Value  float64
	At     time.Time
	// Observation marks a reading that stays in an already committed band. It
	// updates the open incident but never opens one.
	Observation bool
	// Description and Severity are used when a row is created. Empty values fall
	// back to Describe and DefaultAlarmSeverity.
	Description string
	Severity    string
}

// Action is what Handle did.
type Action string

const (
	ActionNone       Action = "NONE"
	ActionCreated    Action = "CREATED"
	ActionUpdated    Action = "UPDATED"
	ActionSuperseded Action = "SUPERSEDED"
	ActionResolved   Action = "RESOLVED"
)

// Change describes an incident that was opened, superseded or resolved.
type Change struct {
	Action   Action
	RuleKey  string
	RuleID   *int64
	SensorID int64
	Band     bands.Band
	Value    float64
	At       time.Time
	Table    database.Table
	EventID  int64
	// PreviousTable and PreviousEventID are set when a row was superseded.
	PreviousTable   database.Table
	PreviousEventID int64
}

// Manager applies band events to incident rows and markers.
type Manager struct {
	markers   MarkerStore
	store     Store
	publisher Publisher
	metrics   MetricsRecorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets the publisher notified of incident changes.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithMetrics sets the metrics recorder. A nil recorder is ignored.
func WithMetrics(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// NewManager creates a manager over the given marker and row stores.
func NewManager(markers MarkerStore, store Store, opts ...Option) *Manager {
	m := &Manager{
		markers: markers,
		store:   store,
		metrics: &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle applies one event. It is safe to call again with the same event after an
// error: every step checks the marker and tolerates rows that are already closed.
func (m *Manager) Handle(ctx context.Context, ev Event) (Change, error) {
	start := time.Now()
	change, err := m.handle(ctx, ev)
	if err != nil {
		m.metrics.RecordError()
		return change, err
	}
	m.metrics.RecordProcessed(time.Since(start))
	if change.Action != ActionNone {
		m.metrics.IncrementCustom("incidents_" + strings.ToLower(string(change.Action)))
	}
	if change.Action != ActionNone && change.Action != ActionUpdated {
		m.publish(ctx, change)
	}
	return change, nil
}

func (m *Manager) handle(ctx context.Context, ev Event) (Change, error) {
	change := Change{
		Action:   ActionNone,
		RuleKey:  ev.RuleKey,
		RuleID:   ev.RuleID,
		SensorID: ev.SensorID,
		Band:     ev.Band,
		Value:    ev.Value,
		At:       ev.At,
	}

	marker, err := m.markers.Get(ctx, ev.RuleKey, ev.SensorID)
	if err != nil {
		return change, fmt.Errorf("failed to read incident marker: %w", err)
	}

	if ev.Band.IsNormal() {
		if marker == nil {
			return change, nil
		}
		if err := m.resolve(ctx, ev, marker); err != nil {
			return change, err
		}
		if err := m.markers.Delete(ctx, ev.RuleKey, ev.SensorID); err != nil {
			return change, fmt.Errorf("failed to delete incident marker: %w", err)
		}
		change.Action = ActionResolved
		change.Table = marker.Table
		change.EventID = marker.EventID
		slog.Info("Incident resolved",
			"rule_key", ev.RuleKey,
			"sensor_id", ev.SensorID,
			"table", marker.Table,
			"event_id", marker.EventID,
			"value", ev.Value,
		)
		return change, nil
	}

	if marker == nil {
		if ev.Observation {
			return change, nil
		}
		return m.create(ctx, ev, change)
	}

	table := TableFor(ev.Band)
	if ev.Observation || marker.Table == table {
		err := m.store.UpdateIncident(ctx, marker.Table, marker.EventID, ev.Value)
		if errors.Is(err, database.ErrIncidentNotFound) {
			// The row was closed outside this process; the marker is stale.
			slog.Warn("Incident marker points at a closed row, dropping it",
				"rule_key", ev.RuleKey,
				"sensor_id", ev.SensorID,
				"table", marker.Table,
				"event_id", marker.EventID,
			)
			if err := m.markers.Delete(ctx, ev.RuleKey, ev.SensorID); err != nil {
				return change, fmt.Errorf("failed to delete stale incident marker: %w", err)
			}
			if ev.Observation {
				return change, nil
			}
			return m.create(ctx, ev, change)
		}
		if err != nil {
			return change, fmt.Errorf("failed to update incident: %w", err)
		}
		change.Action = ActionUpdated
		change.Table = marker.Table
		change.EventID = marker.EventID
		return change, nil
	}

	return m.supersede(ctx, ev, marker, change)
}

func (m *Manager) create(ctx context.Context, ev Event, change Change) (Change, error) {
	table := TableFor(ev.Band)
	id, err := m.store.CreateIncident(ctx, m.newIncident(ev, table))
	if err != nil {
		return change, fmt.Errorf("failed to create incident: %w", err)
	}

	marker := Marker{Status: StatusFiring, EventID: id, Table: table}
	ok, err := m.markers.Create(ctx, ev.RuleKey, ev.SensorID, marker)
	if err != nil {
		m.closeOrphan(ctx, table, id, ev)
		return change, fmt.Errorf("failed to write incident marker: %w", err)
	}
	if !ok {
		// Another writer opened an incident first; keep theirs.
		existing, err := m.markers.Get(ctx, ev.RuleKey, ev.SensorID)
		if err != nil {
			m.closeOrphan(ctx, table, id, ev)
			return change, fmt.Errorf("failed to read incident marker: %w", err)
		}
		if existing == nil {
			m.closeOrphan(ctx, table, id, ev)
			return change, fmt.Errorf("incident marker for %s vanished during create", MarkerKey(ev.RuleKey, ev.SensorID))
		}
		if existing.Table != table || existing.EventID != id {
			m.closeOrphan(ctx, table, id, ev)
		}
		if err := m.store.UpdateIncident(ctx, existing.Table, existing.EventID, ev.Value); err != nil {
			return change, fmt.Errorf("failed to update incident: %w", err)
		}
		change.Action = ActionUpdated
		change.Table = existing.Table
		change.EventID = existing.EventID
		return change, nil
	}

	change.Action = ActionCreated
	change.Table = table
	change.EventID = id
	slog.Info("Incident created",
		"rule_key", ev.RuleKey,
		"sensor_id", ev.SensorID,
		"band", ev.Band,
		"table", table,
		"event_id", id,
		"value", ev.Value,
	)
	return change, nil
}

func (m *Manager) supersede(ctx context.Context, ev Event, old *Marker, change Change) (Change, error) {
	if err := m.resolve(ctx, ev, old); err != nil {
		return change, err
	}

	table := TableFor(ev.Band)
	id, err := m.store.CreateIncident(ctx, m.newIncident(ev, table))
	if err != nil {
		return change, fmt.Errorf("failed to create incident: %w", err)
	}
	marker := Marker{Status: StatusFiring, EventID: id, Table: table}
	if err := m.markers.Replace(ctx, ev.RuleKey, ev.SensorID, marker); err != nil {
		m.closeOrphan(ctx, table, id, ev)
		return change, fmt.Errorf("failed to replace incident marker: %w", err)
	}

	change.Action = ActionSuperseded
	change.Table = table
	change.EventID = id
	change.PreviousTable = old.Table
	change.PreviousEventID = old.EventID
	slog.Info("Incident superseded",
		"rule_key", ev.RuleKey,
		"sensor_id", ev.SensorID,
		"band", ev.Band,
		"from_table", old.Table,
		"from_event_id", old.EventID,
		"table", table,
		"event_id", id,
	)
	return change, nil
}

// resolve closes the row a marker points at. A row that is already closed counts as
// resolved.
func (m *Manager) resolve(ctx context.Context, ev Event, marker *Marker) error {
	err := m.store.ResolveIncident(ctx, marker.Table, marker.EventID, ev.Value, ev.At)
	if err != nil && !errors.Is(err, database.ErrIncidentNotFound) {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return nil
}

// closeOrphan resolves a row that no marker points at.
func (m *Manager) closeOrphan(ctx context.Context, table database.Table, id int64, ev Event) {
	if err := m.store.ResolveIncident(ctx, table, id, ev.Value, ev.At); err != nil &&
		!errors.Is(err, database.ErrIncidentNotFound) {
		slog.Error("Failed to close orphaned incident row",
			"table", table,
			"event_id", id,
			"error", err,
		)
	}
}

func (m *Manager) newIncident(ev Event, table database.Table) database.NewIncident {
	desc := ev.Description
	if desc == "" {
		desc = Describe(ev.Band, ev.Value)
	}
	inc := database.NewIncident{
		Table:       table,
		SensorID:    ev.SensorID,
		RuleID:      ev.RuleID,
		StartedAt:   ev.At,
		Value:       ev.Value,
		Description: desc,
	}
	if table == database.AlarmTable {
		inc.Severity = ev.Severity
		if inc.Severity == "" {
			inc.Severity = DefaultAlarmSeverity
		}
	}
	return inc
}

func (m *Manager) publish(ctx context.Context, change Change) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishIncidentChange(ctx, change); err != nil {
		m.metrics.IncrementCustom("incident_publish_errors")
		slog.Error("Failed to publish incident change",
			"rule_key", change.RuleKey,
			"sensor_id", change.SensorID,
			"action", change.Action,
			"error", err,
		)
	}
}
