package producer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/auralis/telemetry-core/internal/bands"
	"github.com/auralis/telemetry-core/internal/database"
	"github.com/auralis/telemetry-core/internal/incident"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func supersededChange() incident.Change {
	ruleID := int64(3)
	return incident.Change{
		Action:          incident.ActionSuperseded,
		RuleKey:         incident.RuleKey(3),
		RuleID:          &ruleID,
		SensorID:        7,
		Band:            bands.AlertHigh,
		Value:           95,
		At:              at,
		Table:           database.AlarmTable,
		EventID:         12,
		PreviousTable:   database.WarningTable,
		PreviousEventID: 11,
	}
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewProducer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		topic   string
		errMsg  string
	}{
		{name: "empty brokers", brokers: "", topic: "incident.changed", errMsg: "brokers cannot be empty"},
		{name: "only separators", brokers: " , ", topic: "incident.changed", errMsg: "brokers cannot be empty"},
		{name: "empty topic", brokers: "localhost:9092", topic: "", errMsg: "topic cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProducer(tt.brokers, tt.topic, EncodingJSON)
			assert.Nil(t, p)
			assert.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    Encoding
		wantErr bool
	}{
		{in: "", want: EncodingJSON},
		{in: "JSON", want: EncodingJSON},
		{in: "protobuf", want: EncodingProtobuf},
		{in: " proto ", want: EncodingProtobuf},
		{in: "avro", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseEncoding(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestProducer_PublishJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "incident.changed", EncodingJSON)

	require.NoError(t, p.PublishIncidentChange(context.Background(), supersededChange()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]

	assert.Equal(t, "rule:3:7", string(msg.Key))
	assert.Equal(t, "application/json", header(msg, "content-type"))
	assert.Equal(t, "SUPERSEDED", header(msg, "action"))
	assert.True(t, at.Equal(msg.Time))

	var got IncidentChanged
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.NotEmpty(t, got.MessageID)
	assert.Equal(t, header(msg, "message_id"), got.MessageID)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	assert.Equal(t, "ALERT_HIGH", got.Band)
	assert.Equal(t, "events_alarm", got.Table)
	assert.Equal(t, int64(12), got.IncidentID)
	assert.Equal(t, "events_warning", got.PreviousTable)
	assert.Equal(t, int64(11), got.PreviousIncidentID)
	require.NotNil(t, got.RuleID)
	assert.Equal(t, int64(3), *got.RuleID)
	assert.Equal(t, at.UnixMilli(), got.EventTS)
}

func TestProducer_PublishProtobuf(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "incident.changed", EncodingProtobuf)

	c := supersededChange()
	c.Action = incident.ActionCreated
	c.RuleID = nil
	c.RuleKey = incident.BandsRuleKey
	c.PreviousTable = ""
	c.PreviousEventID = 0
	require.NoError(t, p.PublishIncidentChange(context.Background(), c))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]

	assert.Equal(t, "bands:7", string(msg.Key))
	assert.Equal(t, "application/x-protobuf", header(msg, "content-type"))

	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(msg.Value, &s))
	fields := s.AsMap()
	assert.Equal(t, "CREATED", fields["action"])
	assert.Equal(t, float64(7), fields["sensor_id"])
	assert.Equal(t, float64(95), fields["value"])
	assert.Equal(t, "events_alarm", fields["table"])
	assert.NotContains(t, fields, "rule_id")
	assert.NotContains(t, fields, "previous_table")
}

func TestProducer_PublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newProducer(w, "incident.changed", EncodingJSON)

	err := p.PublishIncidentChange(context.Background(), supersededChange())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestProducer_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newProducer(w, "incident.changed", EncodingJSON).Close())
	assert.True(t, w.closed)
}
