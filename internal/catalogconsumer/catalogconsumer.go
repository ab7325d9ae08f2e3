// Package catalogconsumer reloads the catalog when a catalog.changed notification
// arrives, instead of waiting for the next refresh tick.
package catalogconsumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	kafkautil "github.com/auralis/telemetry-core/pkg/kafka"
)

// CatalogChanged is the optional body of a catalog.changed message. Any message,
// including one that does not decode, triggers a reload.
type CatalogChanged struct {
	Entity string `json:"entity"`
	ID     int64  `json:"id"`
	Action string `json:"action"`
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Reloader reloads the catalog.
type Reloader interface {
	ReloadNow(ctx context.Context) error
}

// Consumer reads catalog.changed messages.
type Consumer struct {
	reader MessageReader
	reload Reloader
	topic  string
}

// NewConsumer creates a consumer for topic in consumer group groupID.
func NewConsumer(brokers, topic, groupID string, reload Reloader) (*Consumer, error) {
	if err := kafkautil.ValidateConsumerParams(brokers, topic, groupID); err != nil {
		return nil, err
	}
	brokerList := kafkautil.ParseBrokers(brokers)

	slog.Info("Initializing catalog.changed Kafka consumer",
		"brokers", brokerList,
		"topic", topic,
		"group_id", groupID,
	)
	cfg := kafkautil.NewReaderConfig(brokerList, topic, groupID)
	kafkautil.LogReaderConfig(cfg)

	return newConsumer(kafka.NewReader(cfg), topic, reload), nil
}

func newConsumer(r MessageReader, topic string, reload Reloader) *Consumer {
	return &Consumer{reader: r, reload: reload, topic: topic}
}

// Run consumes notifications until ctx is cancelled. Reload failures are logged; the
// periodic refresh catches up.
func (c *Consumer) Run(ctx context.Context) {
	slog.Info("Starting catalog.changed handler", "topic", c.topic)

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Catalog.changed handler stopped")
				return
			}
			slog.Error("Failed to read catalog.changed event", "error", err)
			continue
		}

		change := decode(msg.Value)
		slog.Info("Received catalog.changed event",
			"entity", change.Entity,
			"id", change.ID,
			"action", change.Action,
		)
		if err := c.reload.ReloadNow(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Failed to reload catalog after catalog.changed event", "error", err)
		}
	}
}

func decode(value []byte) CatalogChanged {
	var change CatalogChanged
	if len(value) == 0 {
		return change
	}
	if err := json.Unmarshal(value, &change); err != nil {
		slog.Debug("Undecodable catalog.changed body, reloading anyway", "error", err)
	}
	return change
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	slog.Info("Closing catalog.changed consumer", "topic", c.topic)
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka reader: %w", err)
	}
	return nil
}
