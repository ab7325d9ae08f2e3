package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/auralis/telemetry-core/internal/catalog"
)

// walk is a bounded random walk inside a sensor's range that occasionally spikes
// above it.
type walk struct {
	min, max float64
	value    float64
}

func newWalk(s catalog.Sensor, rng *rand.Rand) *walk {
	lo, hi := 0.0, 100.0
	if s.MinValue != nil && s.MaxValue != nil && *s.MaxValue > *s.MinValue {
		lo, hi = *s.MinValue, *s.MaxValue
	}
	return &walk{min: lo, max: hi, value: lo + (hi-lo)*(0.3+0.2*rng.Float64())}
}

func (w *walk) next(rng *rand.Rand, spikeRate float64) float64 {
	span := w.max - w.min
	if rng.Float64() < spikeRate {
		return w.max + span*0.1*rng.Float64()
	}
	w.value += span * 0.05 * (rng.Float64()*2 - 1)
	if w.value < w.min {
		w.value = w.min
	}
	if w.value > w.max {
		w.value = w.max
	}
	return w.value
}

func formatPayload(v float64, at time.Time, asJSON bool) string {
	num := strconv.FormatFloat(v, 'f', 3, 64)
	if !asJSON {
		return num
	}
	return fmt.Sprintf(`{"value": %s, "ts": %q}`, num, at.UTC().Format(time.RFC3339Nano))
}
