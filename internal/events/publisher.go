// Package events connects the orchestrator to Kafka: lifecycle events go
// out on the events topic and operator commands come in on the commands
// topic.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherConfig configures a KafkaPublisher.
type PublisherConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration

	// WriteTimeout bounds one Publish call. Defaults to 5s.
	WriteTimeout time.Duration
}

// KafkaPublisher publishes workflow events keyed by workflow ID, so all
// events of one review land on one partition in order.
type KafkaPublisher struct {
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
	logger       zerolog.Logger
}

var _ pipeline.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg PublisherConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka events topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg, logger), nil
}

func newKafkaPublisher(w messageWriter, cfg PublisherConfig, logger zerolog.Logger) *KafkaPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer:       w,
		topic:        cfg.Topic,
		writeTimeout: timeout,
		logger:       logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Publish writes one event. The write is detached from ctx cancellation so
// a cancelled run still reports how it ended.
func (p *KafkaPublisher) Publish(ctx context.Context, event *domain.WorkflowEvent) error {
	if event == nil {
		return errors.New("nil event")
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(event.WorkflowID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_version", Value: []byte(fmt.Sprint(event.EventVersion))},
		},
		Time: event.CreatedAt,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("write event %s to %s: %w", event.EventType, p.topic, err)
	}

	p.logger.Debug().
		Str("event_type", event.EventType).
		Str("workflow_id", event.WorkflowID.String()).
		Str("stage", string(event.Stage)).
		Msg("published workflow event")
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
