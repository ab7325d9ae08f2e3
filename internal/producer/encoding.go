package producer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/auralis/telemetry-core/internal/incident"
)

// SchemaVersion is the version of the incident.changed payload.
const SchemaVersion = 1

// Encoding selects the wire format of incident.changed messages.
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"
)

// ParseEncoding parses an encoding name. The empty string means JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingProtobuf, "proto":
		return EncodingProtobuf, nil
	}
	return "", fmt.Errorf("unsupported event encoding %q", s)
}

func (e Encoding) contentType() string {
	if e == EncodingProtobuf {
		return "application/x-protobuf"
	}
	return "application/json"
}

// IncidentChanged is the incident.changed payload.
type IncidentChanged struct {
	MessageID          string  `json:"message_id"`
	SchemaVersion      int     `json:"schema_version"`
	Action             string  `json:"action"`
	RuleKey            string  `json:"rule_key"`
	RuleID             *int64  `json:"rule_id,omitempty"`
	SensorID           int64   `json:"sensor_id"`
	Band               string  `json:"band"`
	Value              float64 `json:"value"`
	EventTS            int64   `json:"event_ts"`
	Table              string  `json:"table"`
	IncidentID         int64   `json:"incident_id"`
	PreviousTable      string  `json:"previous_table,omitempty"`
	PreviousIncidentID int64   `json:"previous_incident_id,omitempty"`
}

// NewIncidentChanged builds the payload for a change with a fresh message id.
func NewIncidentChanged(c incident.Change) *IncidentChanged {
	return &IncidentChanged{
		MessageID:          uuid.NewString(),
		SchemaVersion:      SchemaVersion,
		Action:             string(c.Action),
		RuleKey:            c.RuleKey,
		RuleID:             c.RuleID,
		SensorID:           c.SensorID,
		Band:               string(c.Band),
		Value:              c.Value,
		EventTS:            c.At.UnixMilli(),
		Table:              string(c.Table),
		IncidentID:         c.EventID,
		PreviousTable:      string(c.PreviousTable),
		PreviousIncidentID: c.PreviousEventID,
	}
}

// Key is the partition key: every change of one incident identity lands on the same
// partition, in order.
func (e *IncidentChanged) Key() string {
	return e.RuleKey + ":" + strconv.FormatInt(e.SensorID, 10)
}

// toStruct converts the payload to a protobuf Struct with the same field names as the
// JSON encoding.
func (e *IncidentChanged) toStruct() (*structpb.Struct, error) {
	fields := map[string]any{
		"message_id":     e.MessageID,
		"schema_version": e.SchemaVersion,
		"action":         e.Action,
		"rule_key":       e.RuleKey,
		"sensor_id":      e.SensorID,
		"band":           e.Band,
		"value":          e.Value,
		"event_ts":       e.EventTS,
		"table":          e.Table,
		"incident_id":    e.IncidentID,
	}
	if e.RuleID != nil {
		fields["rule_id"] = *e.RuleID
	}
	if e.PreviousTable != "" {
		fields["previous_table"] = e.PreviousTable
		fields["previous_incident_id"] = e.PreviousIncidentID
	}
	return structpb.NewStruct(fields)
}

// encode serializes the payload.
func encode(e *IncidentChanged, enc Encoding) ([]byte, error) {
	if enc == EncodingProtobuf {
		s, err := e.toStruct()
		if err != nil {
			return nil, fmt.Errorf("failed to build incident changed struct: %w", err)
		}
		payload, err := proto.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal incident changed protobuf: %w", err)
		}
		return payload, nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal incident changed: %w", err)
	}
	return payload, nil
}

// buildMessage creates the Kafka message for an encoded payload.
func buildMessage(e *IncidentChanged, enc Encoding, payload []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(e.Key()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte(enc.contentType())},
			{Key: "schema_version", Value: []byte(strconv.Itoa(e.SchemaVersion))},
			{Key: "action", Value: []byte(e.Action)},
			{Key: "message_id", Value: []byte(e.MessageID)},
		},
		Time: time.UnixMilli(e.EventTS),
	}
}
