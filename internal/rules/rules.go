// Package rules evaluates rule-engine conditions against single readings.
package rules

import (
	"fmt"

	"github.com/auralis/telemetry-core/internal/bands"
	"github.com/auralis/telemetry-core/internal/catalog"
	"github.com/auralis/telemetry-core/internal/policy"
)

// Result is the outcome of one rule for one reading.
type Result struct {
	RuleID    int64
	RuleName  string
	Severity  catalog.RuleSeverity
	Triggered bool
	// Threshold describes the comparison, for logs. Empty when no threshold applies.
	Threshold string
}

// Band is the incident band of a triggered result: ALERT_HIGH for critical rules and
// WARN_HIGH otherwise. Results that did not trigger are NORMAL.
func (r Result) Band() bands.Band {
	if !r.Triggered {
		return bands.Normal
	}
	if r.Severity == catalog.SeverityCritical {
		return bands.AlertHigh
	}
	return bands.WarnHigh
}

// Description is stored on incidents opened by the rule.
func (r Result) Description() string {
	return fmt.Sprintf("Incidente iniciado por la regla '%s'.", r.RuleName)
}

// AlarmSeverity maps a rule severity to the alarm severity column.
func AlarmSeverity(s catalog.RuleSeverity) string {
	switch s {
	case catalog.SeverityCritical:
		return "CRITICA"
	case catalog.SeverityWarning:
		return "MEDIA"
	default:
		return "BAJA"
	}
}

type entry struct {
	ruleID    int64
	ruleName  string
	severity  catalog.RuleSeverity
	condition catalog.Condition
}

// Index groups rule conditions by source sensor. It is immutable once built.
type Index struct {
	bySensor map[int64][]entry
	rules    int
}

// NewIndex builds an index over the rules of a snapshot. Rule order is preserved per
// sensor.
func NewIndex(rules []catalog.Rule) *Index {
	idx := &Index{bySensor: make(map[int64][]entry), rules: len(rules)}
	for _, r := range rules {
		for sensorID, c := range r.Conditions {
			idx.bySensor[sensorID] = append(idx.bySensor[sensorID], entry{
				ruleID:    r.ID,
				ruleName:  r.Name,
				severity:  r.Severity,
				condition: c,
			})
		}
	}
	return idx
}

// RuleCount returns the number of indexed rules.
func (idx *Index) RuleCount() int { return idx.rules }

// HasSensor reports whether any rule reads from the sensor.
func (idx *Index) HasSensor(sensorID int64) bool {
	return len(idx.bySensor[sensorID]) > 0
}

// Evaluate checks every rule with a condition on the sensor. policies resolves
// POLICY thresholds by id and may be nil.
func (idx *Index) Evaluate(sensor catalog.Sensor, value float64, policies map[int64]catalog.AlertPolicy) []Result {
	entries := idx.bySensor[sensor.ID]
	if len(entries) == 0 {
		return nil
	}
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		triggered, desc := Check(e.condition, e.severity, sensor, value, policies)
		results = append(results, Result{
			RuleID:    e.ruleID,
			RuleName:  e.ruleName,
			Severity:  e.severity,
			Triggered: triggered,
			Threshold: desc,
		})
	}
	return results
}

// Check evaluates one condition. A condition whose threshold cannot be determined
// never triggers.
func Check(c catalog.Condition, severity catalog.RuleSeverity, sensor catalog.Sensor, value float64, policies map[int64]catalog.AlertPolicy) (bool, string) {
	threshold, low, high, ok := thresholds(c, severity, sensor, policies)
	if !ok {
		return false, ""
	}

	switch c.Operator {
	case catalog.OpGreater:
		return value > threshold, fmt.Sprintf("(Umbral: > %g)", threshold)
	case catalog.OpLess:
		return value < threshold, fmt.Sprintf("(Umbral: < %g)", threshold)
	case catalog.OpEqual:
		return value == threshold, fmt.Sprintf("(Umbral: == %g)", threshold)
	case catalog.OpBetween:
		return value >= low && value <= high, fmt.Sprintf("(Umbral: entre %g y %g)", low, high)
	case catalog.OpNotBetween:
		return value < low || value > high, fmt.Sprintf("(Umbral: fuera de %g y %g)", low, high)
	}
	return false, ""
}

// thresholds returns the single threshold for comparison operators and the range for
// BETWEEN and NOT_BETWEEN.
func thresholds(c catalog.Condition, severity catalog.RuleSeverity, sensor catalog.Sensor, policies map[int64]catalog.AlertPolicy) (threshold, low, high float64, ok bool) {
	rangeOp := c.Operator == catalog.OpBetween || c.Operator == catalog.OpNotBetween

	switch c.ThresholdType {
	case catalog.ThresholdStatic:
		if rangeOp {
			if c.Min == nil || c.Max == nil {
				return 0, 0, 0, false
			}
			return 0, *c.Min, *c.Max, true
		}
		if c.Value == nil {
			return 0, 0, 0, false
		}
		return *c.Value, 0, 0, true

	case catalog.ThresholdPolicy:
		if c.LinkedPolicyID == nil {
			return 0, 0, 0, false
		}
		p, found := policies[*c.LinkedPolicyID]
		if !found {
			return 0, 0, 0, false
		}
		lowRaw, highRaw := p.AlertLow, p.AlertHigh
		if severity == catalog.SeverityWarning {
			lowRaw, highRaw = p.WarnLow, p.WarnHigh
		}
		if rangeOp {
			if lowRaw == nil || highRaw == nil {
				return 0, 0, 0, false
			}
			return 0, policy.Convert(p.Mode, *lowRaw, sensor), policy.Convert(p.Mode, *highRaw, sensor), true
		}
		if highRaw == nil {
			return 0, 0, 0, false
		}
		return policy.Convert(p.Mode, *highRaw, sensor), 0, 0, true
	}
	return 0, 0, 0, false
}
