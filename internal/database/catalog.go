package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/auralis/telemetry-core/internal/catalog"
)

var _ catalog.Source = (*Session)(nil)

const listActiveSensorsQuery = `
		SELECT s.id, s.station_id, st.company_id, s.sensor_type_id, s.name,
		       s.mqtt_topic, s.is_active, s.min_value, s.max_value
		FROM sensorhub_sensor AS s
		JOIN sensorhub_station AS st ON s.station_id = st.id
		WHERE s.is_active = TRUE AND s.mqtt_topic IS NOT NULL AND s.mqtt_topic <> ''
		ORDER BY s.id ASC
	`

const listActivePoliciesQuery = `
		SELECT id, scope, alert_mode, company_id, sensor_type_id, station_id, sensor_id,
		       warn_high, alert_high, enable_low_thresholds, warn_low, alert_low,
		       hysteresis, persistence_seconds, bands_active, updated_at
		FROM sensorhub_alertpolicy
		WHERE bands_active = TRUE
		ORDER BY updated_at DESC
	`

const listActiveRulesQuery = `
		SELECT r.id, r.name, r.severity,
		       c.id, c.name, c.source_sensor_id, c.threshold_type, c.operator,
		       c.threshold_config, c.linked_policy_id
		FROM rulesengine_rule AS r
		JOIN rulesengine_rulenode AS rn ON r.id = rn.rule_id
		JOIN rulesengine_condition AS c ON rn.condition_id = c.id
		WHERE r.is_active = TRUE AND rn.node_type = 'COND' AND rn.parent_id IS NULL
		ORDER BY r.id ASC, c.id ASC
	`

// ListActiveSensors returns active sensors that have a topic, with the company of
// their station.
func (s *Session) ListActiveSensors(ctx context.Context) ([]catalog.Sensor, error) {
	var sensors []catalog.Sensor
	err := s.Do(ctx, func(conn *sql.Conn) error {
		var err error
		sensors, err = listActiveSensors(ctx, conn)
		return err
	})
	return sensors, err
}

// ListActivePolicies returns policies with bands_active set, most recently updated first.
func (s *Session) ListActivePolicies(ctx context.Context) ([]catalog.AlertPolicy, error) {
	var policies []catalog.AlertPolicy
	err := s.Do(ctx, func(conn *sql.Conn) error {
		var err error
		policies, err = listActivePolicies(ctx, conn)
		return err
	})
	return policies, err
}

// ListActiveRules returns active rules with their root conditions.
func (s *Session) ListActiveRules(ctx context.Context) ([]catalog.Rule, error) {
	var rules []catalog.Rule
	err := s.Do(ctx, func(conn *sql.Conn) error {
		var err error
		rules, err = listActiveRules(ctx, conn)
		return err
	})
	return rules, err
}

func listActiveSensors(ctx context.Context, q Queryer) ([]catalog.Sensor, error) {
	rows, err := q.QueryContext(ctx, listActiveSensorsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sensors: %w", err)
	}
	defer rows.Close()

	var sensors []catalog.Sensor
	for rows.Next() {
		var (
			s          catalog.Sensor
			minV, maxV sql.NullFloat64
		)
		if err := rows.Scan(
			&s.ID,
			&s.StationID,
			&s.CompanyID,
			&s.SensorTypeID,
			&s.Name,
			&s.Topic,
			&s.Active,
			&minV,
			&maxV,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sensor: %w", err)
		}
		s.MinValue = nullFloat(minV)
		s.MaxValue = nullFloat(maxV)
		sensors = append(sensors, s)
	}
	return sensors, rows.Err()
}

func listActivePolicies(ctx context.Context, q Queryer) ([]catalog.AlertPolicy, error) {
	rows, err := q.QueryContext(ctx, listActivePoliciesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query active policies: %w", err)
	}
	defer rows.Close()

	var policies []catalog.AlertPolicy
	for rows.Next() {
		var (
			p                                      catalog.AlertPolicy
			scope, mode                            string
			companyID, sensorTypeID, stationID     sql.NullInt64
			sensorID                               sql.NullInt64
			warnHigh, alertHigh, warnLow, alertLow sql.NullFloat64
			hysteresis                             sql.NullFloat64
			persistence                            sql.NullInt64
			updatedAt                              sql.NullTime
		)
		if err := rows.Scan(
			&p.ID,
			&scope,
			&mode,
			&companyID,
			&sensorTypeID,
			&stationID,
			&sensorID,
			&warnHigh,
			&alertHigh,
			&p.EnableLow,
			&warnLow,
			&alertLow,
			&hysteresis,
			&persistence,
			&p.BandsActive,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert policy: %w", err)
		}

		p.Scope = catalog.Scope(scope)
		p.Mode = catalog.AlertMode(mode)
		p.CompanyID = nullInt64(companyID)
		p.SensorTypeID = nullInt64(sensorTypeID)
		p.StationID = nullInt64(stationID)
		p.SensorID = nullInt64(sensorID)
		p.WarnHigh = nullFloat(warnHigh)
		p.AlertHigh = nullFloat(alertHigh)
		p.WarnLow = nullFloat(warnLow)
		p.AlertLow = nullFloat(alertLow)
		p.Hysteresis = nullFloat(hysteresis)
		if persistence.Valid {
			v := int(persistence.Int64)
			p.PersistenceSeconds = &v
		}
		if updatedAt.Valid {
			p.UpdatedAt = updatedAt.Time
		}

		if !p.Scope.Valid() {
			slog.Warn("Skipping alert policy with unknown scope", "policy_id", p.ID, "scope", scope)
			continue
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// thresholdConfig is the JSON stored in rulesengine_condition.threshold_config.
type thresholdConfig struct {
	Value *float64 `json:"value"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
}

func listActiveRules(ctx context.Context, q Queryer) ([]catalog.Rule, error) {
	rows, err := q.QueryContext(ctx, listActiveRulesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rules: %w", err)
	}
	defer rows.Close()

	var rules []catalog.Rule
	index := make(map[int64]int)
	for rows.Next() {
		var (
			ruleID                  int64
			ruleName, severity      string
			c                       catalog.Condition
			thresholdType, operator string
			config                  []byte
			linkedPolicy            sql.NullInt64
		)
		if err := rows.Scan(
			&ruleID,
			&ruleName,
			&severity,
			&c.ID,
			&c.Name,
			&c.SourceSensorID,
			&thresholdType,
			&operator,
			&config,
			&linkedPolicy,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule condition: %w", err)
		}

		c.ThresholdType = catalog.ThresholdType(thresholdType)
		c.Operator = catalog.Operator(operator)
		c.LinkedPolicyID = nullInt64(linkedPolicy)
		if len(config) > 0 {
			var tc thresholdConfig
			if err := json.Unmarshal(config, &tc); err != nil {
				slog.Warn("Ignoring malformed threshold_config",
					"rule_id", ruleID,
					"condition_id", c.ID,
					"error", err,
				)
			} else {
				c.Value, c.Min, c.Max = tc.Value, tc.Min, tc.Max
			}
		}

		i, ok := index[ruleID]
		if !ok {
			rules = append(rules, catalog.Rule{
				ID:         ruleID,
				Name:       ruleName,
				Severity:   catalog.RuleSeverity(severity),
				Conditions: make(map[int64]catalog.Condition),
			})
			i = len(rules) - 1
			index[ruleID] = i
		}
		rules[i].Conditions[c.SourceSensorID] = c
	}
	return rules, rows.Err()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
