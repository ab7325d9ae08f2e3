// Package policy resolves the effective alert thresholds of a sensor from the scoped
// alert policies in a catalog snapshot.
package policy

import (
	"github.com/auralis/telemetry-core/internal/catalog"
)

// Default sensor range used for relative thresholds when a sensor has none.
const (
	DefaultRangeMin = 0.0
	DefaultRangeMax = 1.0
)

// Thresholds are the effective band limits of a sensor, in absolute sensor units.
// A nil limit disables that band.
type Thresholds struct {
	WarnLow    *float64
	AlertLow   *float64
	WarnHigh   *float64
	AlertHigh  *float64
	Hysteresis *float64
	EnableLow  bool
}

// Empty reports whether no band limit is set.
func (t Thresholds) Empty() bool {
	return t.WarnHigh == nil && t.AlertHigh == nil && (!t.EnableLow || (t.WarnLow == nil && t.AlertLow == nil))
}

// Resolution is the outcome of resolving a sensor against its policies.
type Resolution struct {
	Thresholds Thresholds
	// PersistenceSeconds is nil when no matching policy sets it.
	PersistenceSeconds *int
}

// Resolve computes thresholds and persistence for sensor.
func Resolve(sensor catalog.Sensor, policies map[catalog.Scope][]catalog.AlertPolicy) Resolution {
	return Resolution{
		Thresholds:         ResolveThresholds(sensor, policies),
		PersistenceSeconds: ResolvePersistence(sensor, policies),
	}
}

// ResolveThresholds merges matching policies from GLOBAL to SENSOR. Each non-null field
// overwrites the running value, so specificity wins per field rather than per policy.
// Low-side limits are only taken from policies that enable low thresholds, and once
// any matching policy enables them they stay enabled.
func ResolveThresholds(sensor catalog.Sensor, policies map[catalog.Scope][]catalog.AlertPolicy) Thresholds {
	var th Thresholds
	for _, scope := range catalog.ThresholdOrder {
		for _, p := range policies[scope] {
			if !p.Matches(sensor) {
				continue
			}
			th.WarnHigh = overwrite(th.WarnHigh, p.WarnHigh, p.Mode, sensor)
			th.AlertHigh = overwrite(th.AlertHigh, p.AlertHigh, p.Mode, sensor)
			th.Hysteresis = overwrite(th.Hysteresis, p.Hysteresis, p.Mode, sensor)
			if p.EnableLow {
				th.EnableLow = true
				th.WarnLow = overwrite(th.WarnLow, p.WarnLow, p.Mode, sensor)
				th.AlertLow = overwrite(th.AlertLow, p.AlertLow, p.Mode, sensor)
			}
		}
	}
	// REL hysteresis carries the range offset like the limits do, which can push it
	// below zero on ranges that start above 0.
	if th.Hysteresis != nil && *th.Hysteresis < 0 {
		zero := 0.0
		th.Hysteresis = &zero
	}
	return th
}

// ResolvePersistence returns the first non-null persistence_seconds among matching
// policies, searching from SENSOR back to GLOBAL. This runs in the opposite direction
// to the threshold merge and the two must stay that way.
func ResolvePersistence(sensor catalog.Sensor, policies map[catalog.Scope][]catalog.AlertPolicy) *int {
	for _, scope := range catalog.PersistenceOrder {
		for _, p := range policies[scope] {
			if p.Matches(sensor) && p.PersistenceSeconds != nil {
				v := *p.PersistenceSeconds
				return &v
			}
		}
	}
	return nil
}

// Convert maps a policy value to absolute sensor units. REL values are fractions of the
// sensor range; a missing range defaults to 0..1 and an inverted range counts as empty.
func Convert(mode catalog.AlertMode, raw float64, sensor catalog.Sensor) float64 {
	if mode != catalog.ModeRelative {
		return raw
	}
	lo, hi := DefaultRangeMin, DefaultRangeMax
	if sensor.MinValue != nil {
		lo = *sensor.MinValue
	}
	if sensor.MaxValue != nil {
		hi = *sensor.MaxValue
	}
	span := hi - lo
	if span < 0 {
		span = 0
	}
	return lo + raw*span
}

func overwrite(current, raw *float64, mode catalog.AlertMode, sensor catalog.Sensor) *float64 {
	if raw == nil {
		return current
	}
	v := Convert(mode, *raw, sensor)
	return &v
}
