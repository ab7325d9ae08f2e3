// Package bands classifies readings into severity bands and debounces band changes
// per sensor.
package bands

import (
	"time"

	"github.com/auralis/telemetry-core/internal/policy"
)

// Band is the severity state of a sensor.
type Band string

const (
	Normal    Band = "NORMAL"
	WarnHigh  Band = "WARN_HIGH"
	AlertHigh Band = "ALERT_HIGH"
	WarnLow   Band = "WARN_LOW"
	AlertLow  Band = "ALERT_LOW"
)

// IsAlert reports whether b is one of the ALERT bands.
func (b Band) IsAlert() bool { return b == AlertHigh || b == AlertLow }

// IsNormal reports whether b is NORMAL.
func (b Band) IsNormal() bool { return b == Normal || b == "" }

// Outcome tells the caller what a classification means for incident handling.
type Outcome int

const (
	// Pending means a band change was seen but persistence has not elapsed yet.
	Pending Outcome = iota
	// Unchanged means the reading stays in the committed band.
	Unchanged
	// Committed means the sensor moved to a new band.
	Committed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Unchanged:
		return "unchanged"
	case Committed:
		return "committed"
	}
	return "unknown"
}

// Decision is the result of Tracker.Classify.
type Decision struct {
	Outcome Outcome
	// Band is the committed band after this reading.
	Band Band
	// Previous is the committed band before this reading.
	Previous Band
	// Candidate is the band the reading itself falls in.
	Candidate Band
	// First is set on the first reading of a sensor since the tracker started.
	First bool
}

// Raw computes the band of value from engage thresholds only: a high band is entered at
// limit + hysteresis and a low band at limit - hysteresis.
func Raw(th policy.Thresholds, value, hysteresis float64) Band {
	switch {
	case th.AlertHigh != nil && value >= *th.AlertHigh+hysteresis:
		return AlertHigh
	case th.WarnHigh != nil && value >= *th.WarnHigh+hysteresis:
		return WarnHigh
	case th.EnableLow && th.AlertLow != nil && value <= *th.AlertLow-hysteresis:
		return AlertLow
	case th.EnableLow && th.WarnLow != nil && value <= *th.WarnLow-hysteresis:
		return WarnLow
	}
	return Normal
}

// hold keeps a committed band while the value is still within hysteresis of the
// band's limit. A sensor in ALERT_HIGH only leaves it once value < alert_high - h.
func hold(th policy.Thresholds, committed, raw Band, value, hysteresis float64) Band {
	switch committed {
	case AlertHigh:
		if raw != AlertHigh && th.AlertHigh != nil && value >= *th.AlertHigh-hysteresis {
			return AlertHigh
		}
		fallthrough
	case WarnHigh:
		if (raw == Normal || raw == WarnLow || raw == AlertLow) && th.WarnHigh != nil && value >= *th.WarnHigh-hysteresis {
			return WarnHigh
		}
	case AlertLow:
		if raw != AlertLow && th.EnableLow && th.AlertLow != nil && value <= *th.AlertLow+hysteresis {
			return AlertLow
		}
		fallthrough
	case WarnLow:
		if (raw == Normal || raw == WarnHigh || raw == AlertHigh) && th.EnableLow && th.WarnLow != nil && value <= *th.WarnLow+hysteresis {
			return WarnLow
		}
	}
	return raw
}

type sensorState struct {
	band         Band
	pendingSince time.Time
	pending      bool
}

// Tracker keeps the committed band of every sensor. It is not safe for concurrent use;
// readings of one sensor must be classified in arrival order by a single goroutine.
type Tracker struct {
	states             map[int64]*sensorState
	persistenceDefault time.Duration
	useHysteresis      bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPersistenceDefault sets the persistence used when no policy sets one.
func WithPersistenceDefault(d time.Duration) Option {
	return func(t *Tracker) { t.persistenceDefault = d }
}

// WithHysteresis enables or disables hysteresis for every sensor.
func WithHysteresis(enabled bool) Option {
	return func(t *Tracker) { t.useHysteresis = enabled }
}

// NewTracker creates a tracker with hysteresis enabled and no default persistence.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		states:        make(map[int64]*sensorState),
		useHysteresis: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Band returns the committed band of a sensor. Unknown sensors are NORMAL.
func (t *Tracker) Band(sensorID int64) Band {
	if st, ok := t.states[sensorID]; ok {
		return st.band
	}
	return Normal
}

// Len returns the number of sensors with tracked state.
func (t *Tracker) Len() int { return len(t.states) }

// Forget drops the state of sensors for which keep returns false.
func (t *Tracker) Forget(keep func(sensorID int64) bool) {
	for id := range t.states {
		if !keep(id) {
			delete(t.states, id)
		}
	}
}

// Classify evaluates one reading. persistenceSeconds is the policy value (nil when
// unset). Returning to NORMAL is never debounced. Moving to any other band waits until
// the candidate has been seen continuously for the effective persistence; a zero
// persistence commits on the first reading.
func (t *Tracker) Classify(sensorID int64, th policy.Thresholds, value float64, now time.Time, persistenceSeconds *int) Decision {
	st, known := t.states[sensorID]
	if !known {
		st = &sensorState{band: Normal}
		t.states[sensorID] = st
	}

	var h float64
	if t.useHysteresis && th.Hysteresis != nil {
		h = *th.Hysteresis
	}
	candidate := hold(th, st.band, Raw(th, value, h), value, h)

	d := Decision{Band: st.band, Previous: st.band, Candidate: candidate, First: !known}

	if candidate == st.band {
		st.pending = false
		d.Outcome = Unchanged
		return d
	}

	if candidate != Normal {
		wait := t.persistenceDefault
		if persistenceSeconds != nil {
			wait = time.Duration(*persistenceSeconds) * time.Second
		}
		if wait > 0 {
			if !st.pending {
				st.pending = true
				st.pendingSince = now
				d.Outcome = Pending
				return d
			}
			if now.Sub(st.pendingSince) < wait {
				d.Outcome = Pending
				return d
			}
		}
	}

	st.band = candidate
	st.pending = false
	d.Band = candidate
	d.Outcome = Committed
	return d
}
