// Package producer publishes incident lifecycle changes to Kafka.
package producer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/auralis/telemetry-core/internal/incident"
	kafkautil "github.com/auralis/telemetry-core/pkg/kafka"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes incident.changed messages. It implements incident.Publisher.
type Producer struct {
	writer   MessageWriter
	topic    string
	encoding Encoding
}

var _ incident.Publisher = (*Producer)(nil)

// NewProducer creates a producer for topic on the comma-separated brokers. The topic
// is created when missing.
func NewProducer(brokers, topic string, enc Encoding) (*Producer, error) {
	if err := kafkautil.ValidateProducerParams(brokers, topic); err != nil {
		return nil, err
	}
	brokerList := kafkautil.ParseBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if enc == "" {
		enc = EncodingJSON
	}

	slog.Info("Initializing incident Kafka producer",
		"brokers", brokerList,
		"topic", topic,
		"encoding", enc,
	)
	kafkautil.EnsureTopic(brokerList[0], topic)

	return newProducer(kafkautil.NewWriter(brokerList, topic), topic, enc), nil
}

func newProducer(w MessageWriter, topic string, enc Encoding) *Producer {
	return &Producer{writer: w, topic: topic, encoding: enc}
}

// PublishIncidentChange writes one change and waits for the leader acknowledgement.
func (p *Producer) PublishIncidentChange(ctx context.Context, c incident.Change) error {
	ev := NewIncidentChanged(c)
	payload, err := encode(ev, p.encoding)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, buildMessage(ev, p.encoding, payload)); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}
	slog.Debug("Published incident change",
		"topic", p.topic,
		"action", ev.Action,
		"key", ev.Key(),
		"incident_id", ev.IncidentID,
	)
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	slog.Info("Closing incident Kafka producer", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}
