package ingest

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/auralis/telemetry-core/internal/catalog"
)

// TopicMap routes incoming topics to sensors. It is immutable once built.
type TopicMap struct {
	// bySensorTopic is keyed by the normalized topic.
	bySensorTopic map[string]int64
	// subscriptions holds the topics as subscribed on the broker.
	subscriptions map[string]struct{}
	sensors       map[int64]struct{}
}

// NewTopicMap builds the routing table for a snapshot. When several sensors share a
// topic the lowest sensor id wins.
func NewTopicMap(snap *catalog.Snapshot) *TopicMap {
	ids := make([]int64, 0, len(snap.Sensors))
	for id := range snap.Sensors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	m := &TopicMap{
		bySensorTopic: make(map[string]int64, len(ids)),
		subscriptions: make(map[string]struct{}, len(ids)),
		sensors:       make(map[int64]struct{}, len(ids)),
	}
	for _, id := range ids {
		s := snap.Sensors[id]
		raw := strings.TrimSpace(s.Topic)
		key := catalog.NormalizeTopic(raw)
		if key == "" {
			continue
		}
		if owner, taken := m.bySensorTopic[key]; taken {
			slog.Warn("Topic shared by several sensors, ignoring duplicate",
				"topic", key,
				"sensor_id", id,
				"owner_sensor_id", owner,
			)
			continue
		}
		m.bySensorTopic[key] = id
		m.subscriptions[raw] = struct{}{}
		m.sensors[id] = struct{}{}
	}
	return m
}

// Lookup returns the sensor publishing on topic.
func (m *TopicMap) Lookup(topic string) (int64, bool) {
	id, ok := m.bySensorTopic[catalog.NormalizeTopic(topic)]
	return id, ok
}

// Contains reports whether the sensor has a topic in the map.
func (m *TopicMap) Contains(sensorID int64) bool {
	_, ok := m.sensors[sensorID]
	return ok
}

// Len returns the number of routed topics.
func (m *TopicMap) Len() int { return len(m.bySensorTopic) }

// Subscriptions returns the broker topics in sorted order.
func (m *TopicMap) Subscriptions() []string {
	out := make([]string, 0, len(m.subscriptions))
	for t := range m.subscriptions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// diff returns the topics to subscribe and unsubscribe to move from current to m.
func (m *TopicMap) diff(current map[string]struct{}) (subscribe, unsubscribe []string) {
	for t := range m.subscriptions {
		if _, ok := current[t]; !ok {
			subscribe = append(subscribe, t)
		}
	}
	for t := range current {
		if _, ok := m.subscriptions[t]; !ok {
			unsubscribe = append(unsubscribe, t)
		}
	}
	sort.Strings(subscribe)
	sort.Strings(unsubscribe)
	return subscribe, unsubscribe
}
