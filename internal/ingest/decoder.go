package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reading is a decoded payload.
type Reading struct {
	Value float64
	At    time.Time
	// Stamped is set when At came from the payload rather than the ingestion clock.
	Stamped bool
}

// DecodeReason classifies a payload that could not be decoded.
type DecodeReason string

const (
	ReasonEmpty        DecodeReason = "empty payload"
	ReasonNotNumeric   DecodeReason = "not a number"
	ReasonNotFinite    DecodeReason = "not a finite number"
	ReasonMalformed    DecodeReason = "malformed JSON"
	ReasonMissingValue DecodeReason = "missing value"
)

// DecodeError is returned for payloads that are dropped.
type DecodeError struct {
	Reason  DecodeReason
	Payload string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode payload %q: %s", e.Payload, e.Reason)
}

// timestampLayouts are tried in order for the optional ts field. Layouts without a zone
// are read in the configured location.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Decoder parses sensor payloads: either a bare decimal or a JSON object
// {"value": <number>, "ts": "<ISO-8601>"} with ts optional.
type Decoder struct {
	loc *time.Location
	now func() time.Time
}

// NewDecoder creates a decoder that normalizes every timestamp to loc. A nil loc means UTC.
func NewDecoder(loc *time.Location) *Decoder {
	if loc == nil {
		loc = time.UTC
	}
	return &Decoder{loc: loc, now: time.Now}
}

// Location returns the zone timestamps are normalized to.
func (d *Decoder) Location() *time.Location { return d.loc }

type jsonPayload struct {
	Value json.RawMessage `json:"value"`
	// TS is only used when it is a string; other JSON types are ignored.
	TS json.RawMessage `json:"ts"`
}

// Decode parses one payload. Errors are always *DecodeError.
func (d *Decoder) Decode(payload []byte) (Reading, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return Reading{}, &DecodeError{Reason: ReasonEmpty}
	}

	if !strings.HasPrefix(text, "{") {
		v, reason := parseNumber(text)
		if reason != "" {
			return Reading{}, &DecodeError{Reason: reason, Payload: truncate(text)}
		}
		return Reading{Value: v, At: d.now().In(d.loc)}, nil
	}

	var p jsonPayload
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&p); err != nil {
		return Reading{}, &DecodeError{Reason: ReasonMalformed, Payload: truncate(text)}
	}
	raw := strings.TrimSpace(string(p.Value))
	if raw == "" || raw == "null" {
		return Reading{}, &DecodeError{Reason: ReasonMissingValue, Payload: truncate(text)}
	}
	// Quoted numbers are accepted.
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	v, reason := parseNumber(raw)
	if reason != "" {
		return Reading{}, &DecodeError{Reason: reason, Payload: truncate(text)}
	}

	r := Reading{Value: v, At: d.now().In(d.loc)}
	if at, ok := d.parseTimestamp(stringField(p.TS)); ok {
		r.At = at
		r.Stamped = true
	}
	return r, nil
}

func (d *Decoder) parseTimestamp(ts string) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, ts, d.loc); err == nil {
			return t.In(d.loc), true
		}
	}
	return time.Time{}, false
}

// stringField returns the JSON string held in raw, or "" for any other JSON value.
func stringField(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func parseNumber(s string) (float64, DecodeReason) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ReasonNotNumeric
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ReasonNotFinite
	}
	return v, ""
}

func truncate(s string) string {
	const limit = 64
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
