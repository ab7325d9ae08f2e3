// Package catalog holds the read-only view of sensors, alert policies and rules that the
// ingestion path evaluates against. A catalog is loaded from the relational store on a
// timer and published as an immutable Snapshot.
package catalog

import (
	"strings"
	"time"
)

// Scope is the breadth an alert policy applies to.
type Scope string

const (
	ScopeGlobal     Scope = "GLOBAL"
	ScopeCompany    Scope = "COMPANY"
	ScopeSensorType Scope = "SENSOR_TYPE"
	ScopeStation    Scope = "STATION"
	ScopeSensor     Scope = "SENSOR"
)

// ThresholdOrder lists scopes from least to most specific. Threshold fields are merged
// in this order so that more specific scopes overwrite broader ones.
var ThresholdOrder = []Scope{ScopeGlobal, ScopeCompany, ScopeSensorType, ScopeStation, ScopeSensor}

// PersistenceOrder lists scopes from most to least specific. The first non-null
// persistence_seconds found in this order wins.
var PersistenceOrder = []Scope{ScopeSensor, ScopeStation, ScopeSensorType, ScopeCompany, ScopeGlobal}

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeCompany, ScopeSensorType, ScopeStation, ScopeSensor:
		return true
	}
	return false
}

// AlertMode says whether policy thresholds are absolute sensor units or fractions of
// the sensor's range.
type AlertMode string

const (
	ModeAbsolute AlertMode = "ABS"
	ModeRelative AlertMode = "REL"
)

// Sensor is one active sensor with its MQTT topic and optional physical range.
type Sensor struct {
	ID           int64
	StationID    int64
	CompanyID    int64
	SensorTypeID int64
	Name         string
	Topic        string
	MinValue     *float64
	MaxValue     *float64
	Active       bool
}

// AlertPolicy is a threshold policy row. Nil numeric fields are unset and do not
// participate in the merge.
type AlertPolicy struct {
	ID                 int64
	Scope              Scope
	Mode               AlertMode
	CompanyID          *int64
	SensorTypeID       *int64
	StationID          *int64
	SensorID           *int64
	WarnHigh           *float64
	AlertHigh          *float64
	WarnLow            *float64
	AlertLow           *float64
	Hysteresis         *float64
	EnableLow          bool
	PersistenceSeconds *int
	BandsActive        bool
	UpdatedAt          time.Time
}

// Matches reports whether the policy's scope target selects the sensor.
// GLOBAL policies match every sensor.
func (p AlertPolicy) Matches(s Sensor) bool {
	switch p.Scope {
	case ScopeGlobal:
		return true
	case ScopeCompany:
		return p.CompanyID != nil && *p.CompanyID == s.CompanyID
	case ScopeSensorType:
		return p.SensorTypeID != nil && *p.SensorTypeID == s.SensorTypeID
	case ScopeStation:
		return p.StationID != nil && *p.StationID == s.StationID
	case ScopeSensor:
		return p.SensorID != nil && *p.SensorID == s.ID
	}
	return false
}

// RuleSeverity is the severity a rule assigns to the incidents it opens.
type RuleSeverity string

const (
	SeverityInfo     RuleSeverity = "INFO"
	SeverityWarning  RuleSeverity = "WARNING"
	SeverityCritical RuleSeverity = "CRITICAL"
)

// ThresholdType selects where a condition takes its threshold from.
type ThresholdType string

const (
	ThresholdStatic ThresholdType = "STATIC"
	ThresholdPolicy ThresholdType = "POLICY"
)

// Operator compares a reading against a condition threshold.
type Operator string

const (
	OpGreater    Operator = ">"
	OpLess       Operator = "<"
	OpEqual      Operator = "=="
	OpBetween    Operator = "BETWEEN"
	OpNotBetween Operator = "NOT_BETWEEN"
)

// Condition is the root condition of a rule, bound to one source sensor.
type Condition struct {
	ID             int64
	Name           string
	SourceSensorID int64
	ThresholdType  ThresholdType
	Operator       Operator
	// Static thresholds, decoded from the condition's threshold_config JSON.
	Value *float64
	Min   *float64
	Max   *float64
	// LinkedPolicyID is used by POLICY conditions.
	LinkedPolicyID *int64
}

// Rule is an active rule with its root conditions keyed by source sensor id.
type Rule struct {
	ID         int64
	Name       string
	Severity   RuleSeverity
	Conditions map[int64]Condition
}

// NormalizeTopic returns the key used to match inbound topics against catalog topics.
// Surrounding whitespace and trailing slashes are ignored so "/st1/temp/" and
// "/st1/temp" resolve to the same sensor.
func NormalizeTopic(topic string) string {
	t := strings.TrimSpace(topic)
	for len(t) > 1 && strings.HasSuffix(t, "/") {
		t = t[:len(t)-1]
	}
	return t
}
