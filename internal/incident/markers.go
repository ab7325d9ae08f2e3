package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisMarkerStore keeps markers as JSON strings under MarkerKey. Markers never expire;
// they are deleted when the incident resolves.
type RedisMarkerStore struct {
	client *redis.Client
}

var _ MarkerStore = (*RedisMarkerStore)(nil)

// NewRedisMarkerStore creates a marker store on the given client.
func NewRedisMarkerStore(client *redis.Client) *RedisMarkerStore {
	return &RedisMarkerStore{client: client}
}

// Get returns the marker, or nil when none is set. A marker that cannot be decoded is
// deleted and reported as absent.
func (s *RedisMarkerStore) Get(ctx context.Context, ruleKey string, sensorID int64) (*Marker, error) {
	key := MarkerKey(ruleKey, sensorID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get marker %s: %w", key, err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil || !m.Table.Valid() {
		slog.Warn("Discarding unreadable incident marker", "key", key, "value", string(data), "error", err)
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return nil, fmt.Errorf("failed to delete marker %s: %w", key, err)
		}
		return nil, nil
	}
	return &m, nil
}

// Create sets the marker with SET NX.
func (s *RedisMarkerStore) Create(ctx context.Context, ruleKey string, sensorID int64, m Marker) (bool, error) {
	key := MarkerKey(ruleKey, sensorID)
	data, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("failed to marshal marker: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set marker %s: %w", key, err)
	}
	return ok, nil
}

// Replace overwrites the marker.
func (s *RedisMarkerStore) Replace(ctx context.Context, ruleKey string, sensorID int64, m Marker) error {
	key := MarkerKey(ruleKey, sensorID)
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set marker %s: %w", key, err)
	}
	return nil
}

// Delete removes the marker.
func (s *RedisMarkerStore) Delete(ctx context.Context, ruleKey string, sensorID int64) error {
	key := MarkerKey(ruleKey, sensorID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete marker %s: %w", key, err)
	}
	return nil
}
