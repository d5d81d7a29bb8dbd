package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
)

// Producer publishes messages to a Kafka topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer connected to the given brokers.
func NewProducer(brokers []string) Producer {
	w := &kafka.Writer{
		Addr: kafka.TCP(brokers...),
		// Hash on the key → one partition per task/node, which is what
		// makes per-entity message ordering structural.
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w}
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	// Inject the active trace context into message headers so downstream
	// consumers can extract and continue the trace.
	headers := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}

// PublishTask marshals a task message onto the tasks topic, keyed by task id.
func PublishTask(ctx context.Context, p Producer, msg domain.TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message %s/%s: %w", msg.TaskID, msg.Kind, err)
	}
	return p.Publish(ctx, domain.TopicTasks, msg.TaskID, data)
}

// PublishNode marshals a node message onto the nodes topic, keyed by node id.
func PublishNode(ctx context.Context, p Producer, msg domain.NodeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal node message %s/%s: %w", msg.NodeID, msg.Kind, err)
	}
	return p.Publish(ctx, domain.TopicNodes, msg.NodeID, data)
}
