package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Producer wraps a Kafka producer for sync lifecycle events.
type Producer struct {
	producer *kafka.Producer
	config   ProducerConfig
	tracer   trace.Tracer
}

// ProducerConfig contains configuration for the event producer
type ProducerConfig struct {
	BootstrapServers string        `yaml:"bootstrap_servers" env:"KAFKA_BOOTSTRAP_SERVERS"`
	SecurityProtocol string        `yaml:"security_protocol"`
	SASLMechanism    string        `yaml:"sasl_mechanism"`
	SASLUsername     string        `yaml:"sasl_username"`
	SASLPassword     string        `yaml:"sasl_password"`
	ClientID         string        `yaml:"client_id"`
	Topic            string        `yaml:"topic"`
	Acks             string        `yaml:"acks"` // all, 1, 0
	Retries          int           `yaml:"retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	CompressionType  string        `yaml:"compression_type"`
}

// DefaultProducerConfig returns a production-ready default configuration
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BootstrapServers: "localhost:9092",
		SecurityProtocol: "PLAINTEXT",
		ClientID:         "connector-sync-producer",
		Topic:            "connector-sync-events",
		Acks:             "all",
		Retries:          3,
		RetryBackoff:     100 * time.Millisecond,
		CompressionType:  "gzip",
	}
}

// NewProducer creates a new event producer
func NewProducer(config ProducerConfig) (*Producer, error) {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers":                     config.BootstrapServers,
		"security.protocol":                     config.SecurityProtocol,
		"client.id":                             config.ClientID,
		"acks":                                  config.Acks,
		"retries":                               config.Retries,
		"retry.backoff.ms":                      int(config.RetryBackoff.Milliseconds()),
		"compression.type":                      config.CompressionType,
		"enable.idempotence":                    true,
		"max.in.flight.requests.per.connection": 1,
	}

	if config.SecurityProtocol != "PLAINTEXT" {
		kafkaConfig.SetKey("sasl.mechanism", config.SASLMechanism)
		kafkaConfig.SetKey("sasl.username", config.SASLUsername)
		kafkaConfig.SetKey("sasl.password", config.SASLPassword)
	}

	producer, err := kafka.NewProducer(kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		config:   config,
		tracer:   otel.Tracer("event-producer"),
	}, nil
}

// Publish sends a sync event, keyed by connector id so that per-connector
// ordering is preserved across partitions.
func (p *Producer) Publish(ctx context.Context, event *SyncEvent) error {
	ctx, span := p.tracer.Start(ctx, "publish_sync_event")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("connector.id", event.ConnectorID.String()),
	)

	data, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	topic := p.config.Topic
	deliveryChan := make(chan kafka.Event, 1)

	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(event.ConnectorID.String()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}, deliveryChan)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to produce event: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			span.RecordError(m.TopicPartition.Error)
			return fmt.Errorf("event delivery failed: %w", m.TopicPartition.Error)
		}
	}

	return nil
}

// Close flushes pending messages and shuts the producer down.
func (p *Producer) Close() {
	p.producer.Flush(int((5 * time.Second).Milliseconds()))
	p.producer.Close()
}
