package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralis/telemetry-core/internal/bands"
	"github.com/auralis/telemetry-core/internal/catalog"
)

func f(v float64) *float64 { return &v }
func id(v int64) *int64    { return &v }

var sensor = catalog.Sensor{ID: 7, MinValue: f(0), MaxValue: f(50), Active: true}

func TestCheck_Static(t *testing.T) {
	tests := []struct {
		name  string
		cond  catalog.Condition
		value float64
		want  bool
	}{
		{"greater triggers", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpGreater, Value: f(30)}, 31, true},
		{"greater at threshold", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpGreater, Value: f(30)}, 30, false},
		{"less", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpLess, Value: f(5)}, 4, true},
		{"equal", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpEqual, Value: f(1)}, 1, true},
		{"between inclusive", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpBetween, Min: f(10), Max: f(20)}, 20, true},
		{"between outside", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpBetween, Min: f(10), Max: f(20)}, 21, false},
		{"not between", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpNotBetween, Min: f(10), Max: f(20)}, 9, true},
		{"not between inside", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpNotBetween, Min: f(10), Max: f(20)}, 15, false},
		{"missing value", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpGreater}, 100, false},
		{"range missing max", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpBetween, Min: f(1)}, 5, false},
		{"unknown operator", catalog.Condition{ThresholdType: catalog.ThresholdStatic, Operator: ">=", Value: f(1)}, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Check(tt.cond, catalog.SeverityCritical, sensor, tt.value, nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheck_Policy(t *testing.T) {
	policies := map[int64]catalog.AlertPolicy{
		4: {ID: 4, Scope: catalog.ScopeGlobal, Mode: catalog.ModeRelative, WarnHigh: f(0.6), AlertHigh: f(0.8), WarnLow: f(0.2), AlertLow: f(0.1)},
		5: {ID: 5, Scope: catalog.ScopeGlobal, Mode: catalog.ModeAbsolute, AlertHigh: f(45)},
	}
	linked := catalog.Condition{ThresholdType: catalog.ThresholdPolicy, Operator: catalog.OpGreater, LinkedPolicyID: id(4)}

	// REL 0.8 of [0,50] is 40; WARNING rules use warn_high (0.6 -> 30).
	triggered, desc := Check(linked, catalog.SeverityCritical, sensor, 41, policies)
	assert.True(t, triggered)
	assert.Equal(t, "(Umbral: > 40)", desc)
	triggered, _ = Check(linked, catalog.SeverityCritical, sensor, 35, policies)
	assert.False(t, triggered)
	triggered, _ = Check(linked, catalog.SeverityWarning, sensor, 35, policies)
	assert.True(t, triggered)
	triggered, _ = Check(linked, catalog.SeverityInfo, sensor, 35, policies)
	assert.False(t, triggered, "INFO rules compare against alert_high")

	rangeCond := catalog.Condition{ThresholdType: catalog.ThresholdPolicy, Operator: catalog.OpNotBetween, LinkedPolicyID: id(4)}
	triggered, _ = Check(rangeCond, catalog.SeverityCritical, sensor, 4, policies)
	assert.True(t, triggered, "below alert_low (5)")

	abs := catalog.Condition{ThresholdType: catalog.ThresholdPolicy, Operator: catalog.OpGreater, LinkedPolicyID: id(5)}
	triggered, _ = Check(abs, catalog.SeverityWarning, sensor, 100, policies)
	assert.False(t, triggered, "policy without warn_high has no threshold for WARNING rules")

	missing := catalog.Condition{ThresholdType: catalog.ThresholdPolicy, Operator: catalog.OpGreater, LinkedPolicyID: id(99)}
	triggered, _ = Check(missing, catalog.SeverityCritical, sensor, 100, policies)
	assert.False(t, triggered)

	unlinked := catalog.Condition{ThresholdType: catalog.ThresholdPolicy, Operator: catalog.OpGreater}
	triggered, _ = Check(unlinked, catalog.SeverityCritical, sensor, 100, policies)
	assert.False(t, triggered)
}

func TestIndex_Evaluate(t *testing.T) {
	rules := []catalog.Rule{
		{
			ID: 1, Name: "Overheat", Severity: catalog.SeverityCritical,
			Conditions: map[int64]catalog.Condition{
				7: {ID: 11, SourceSensorID: 7, ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpGreater, Value: f(30)},
				8: {ID: 12, SourceSensorID: 8, ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpLess, Value: f(10)},
			},
		},
		{
			ID: 2, Name: "Warm", Severity: catalog.SeverityWarning,
			Conditions: map[int64]catalog.Condition{
				7: {ID: 13, SourceSensorID: 7, ThresholdType: catalog.ThresholdStatic, Operator: catalog.OpGreater, Value: f(25)},
			},
		},
	}
	idx := NewIndex(rules)

	assert.Equal(t, 2, idx.RuleCount())
	assert.True(t, idx.HasSensor(7))
	assert.False(t, idx.HasSensor(9))
	assert.Nil(t, idx.Evaluate(catalog.Sensor{ID: 9}, 100, nil))

	results := idx.Evaluate(sensor, 28, nil)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].RuleID)
	assert.False(t, results[0].Triggered)
	assert.Equal(t, bands.Normal, results[0].Band())
	assert.Equal(t, int64(2), results[1].RuleID)
	assert.True(t, results[1].Triggered)
	assert.Equal(t, bands.WarnHigh, results[1].Band())

	results = idx.Evaluate(sensor, 35, nil)
	assert.Equal(t, bands.AlertHigh, results[0].Band())
	assert.Equal(t, "Incidente iniciado por la regla 'Overheat'.", results[0].Description())
}

func TestAlarmSeverity(t *testing.T) {
	assert.Equal(t, "CRITICA", AlarmSeverity(catalog.SeverityCritical))
	assert.Equal(t, "MEDIA", AlarmSeverity(catalog.SeverityWarning))
	assert.Equal(t, "BAJA", AlarmSeverity(catalog.SeverityInfo))
}
