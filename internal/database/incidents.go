package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Table is an incident table.
type Table string

const (
	AlarmTable   Table = "events_alarm"
	WarningTable Table = "events_warning"
)

// Valid reports whether t names one of the incident tables. Table names reach SQL
// through string formatting, so anything else must be rejected.
func (t Table) Valid() bool {
	return t == AlarmTable || t == WarningTable
}

// ErrIncidentNotFound is returned when an update or resolve targets a row that does
// not exist or is no longer active.
var ErrIncidentNotFound = errors.New("incident not found or not active")

// NewIncident describes an incident row to insert.
type NewIncident struct {
	Table       Table
	SensorID    int64
	RuleID      *int64
	StartedAt   time.Time
	Value       float64
	Description string
	// Severity is only stored for alarms.
	Severity string
}

// CreateIncident inserts an active incident and returns its id. When the same sensor
// and rule already have an active row in the table, that row's id is returned instead
// and nothing is inserted. The statement is sent at most once per call.
func (s *Session) CreateIncident(ctx context.Context, inc NewIncident) (int64, error) {
	var id int64
	err := s.DoOnce(ctx, func(conn *sql.Conn) error {
		var err error
		id, err = createIncident(ctx, conn, inc)
		return err
	})
	return id, err
}

// UpdateIncident records another out-of-band reading on an open incident.
func (s *Session) UpdateIncident(ctx context.Context, table Table, id int64, value float64) error {
	return s.Do(ctx, func(conn *sql.Conn) error {
		return updateIncident(ctx, conn, table, id, value)
	})
}

// ResolveIncident closes an open incident.
func (s *Session) ResolveIncident(ctx context.Context, table Table, id int64, value float64, at time.Time) error {
	return s.Do(ctx, func(conn *sql.Conn) error {
		return resolveIncident(ctx, conn, table, id, value, at)
	})
}

// openIncidentCTE selects the newest active row of a (sensor, rule) pair. Band
// incidents have no rule, hence IS NOT DISTINCT FROM.
const openIncidentCTE = `
	WITH open AS (
		SELECT id FROM %s
		WHERE sensor_id = $1 AND rule_id IS NOT DISTINCT FROM $2::bigint AND is_active = TRUE
		ORDER BY id DESC
		LIMIT 1
	), inserted AS (
		%s
		WHERE NOT EXISTS (SELECT 1 FROM open)
		RETURNING id
	)
	SELECT id, TRUE FROM inserted
	UNION ALL
	SELECT id, FALSE FROM open
`

func createIncident(ctx context.Context, q Queryer, inc NewIncident) (int64, error) {
	var (
		insert string
		args   []any
	)
	switch inc.Table {
	case AlarmTable:
		insert = `INSERT INTO events_alarm
			(sensor_id, rule_id, started_at, triggering_value, peak_value, last_value,
			 description, is_active, update_count, severity, notified)
		SELECT $1::bigint, $2::bigint, $3::timestamptz, $4::double precision, $4::double precision,
			$4::double precision, $5::text, TRUE, 1, $6::text, FALSE`
		args = []any{inc.SensorID, inc.RuleID, inc.StartedAt, inc.Value, inc.Description, inc.Severity}
	case WarningTable:
		insert = `INSERT INTO events_warning
			(sensor_id, rule_id, started_at, triggering_value, peak_value, last_value,
			 description, is_active, update_count, acknowledged)
		SELECT $1::bigint, $2::bigint, $3::timestamptz, $4::double precision, $4::double precision,
			$4::double precision, $5::text, TRUE, 1, FALSE`
		args = []any{inc.SensorID, inc.RuleID, inc.StartedAt, inc.Value, inc.Description}
	default:
		return 0, fmt.Errorf("unknown incident table: %q", inc.Table)
	}

	var (
		id      int64
		created bool
	)
	query := fmt.Sprintf(openIncidentCTE, inc.Table, insert)
	if err := q.QueryRowContext(ctx, query, args...).Scan(&id, &created); err != nil {
		return 0, fmt.Errorf("failed to insert incident into %s: %w", inc.Table, err)
	}
	if !created {
		slog.Warn("Active incident row already exists, reusing it",
			"table", inc.Table,
			"sensor_id", inc.SensorID,
			"event_id", id,
		)
	}
	return id, nil
}

func updateIncident(ctx context.Context, q Queryer, table Table, id int64, value float64) error {
	if !table.Valid() {
		return fmt.Errorf("unknown incident table: %q", table)
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET last_value = $1, update_count = update_count + 1, peak_value = GREATEST(peak_value, $1)
		WHERE id = $2 AND is_active = TRUE
	`, table)

	res, err := q.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("failed to update incident %d in %s: %w", id, table, err)
	}
	return expectOneRow(res, id, table)
}

func resolveIncident(ctx context.Context, q Queryer, table Table, id int64, value float64, at time.Time) error {
	if !table.Valid() {
		return fmt.Errorf("unknown incident table: %q", table)
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET is_active = FALSE, resolved_at = $1, last_value = $2
		WHERE id = $3 AND is_active = TRUE
	`, table)

	res, err := q.ExecContext(ctx, query, at, value, id)
	if err != nil {
		return fmt.Errorf("failed to resolve incident %d in %s: %w", id, table, err)
	}
	return expectOneRow(res, id, table)
}

func expectOneRow(res sql.Result, id int64, table Table) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s id %d: %w", table, id, ErrIncidentNotFound)
	}
	return nil
}
