package broker

import (
	"context"
	"fmt"
	"time"

	"booking-orchestrator/internal/util"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	headerEventType     = "event_type"
	headerCorrelationID = "correlation_id"
)

// MessageWriter is the part of kafka.Writer used by the producer
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the part of kafka.Reader used by the consumer
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer, topic)
}

// NewProducerWithWriter creates a producer on an existing writer
func NewProducerWithWriter(writer MessageWriter, topic string) *Producer {
	return &Producer{writer: writer, topic: topic, logger: util.GetLogger()}
}

// PublishEvent publishes an event to Kafka. Messages with the same key land
// on the same partition, so events of one booking stay ordered.
func (p *Producer) PublishEvent(ctx context.Context, key, eventType string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(eventType)},
		},
	}
	if id := util.CorrelationID(ctx); id != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: headerCorrelationID, Value: []byte(id)})
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &msg.Headers})

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("topic", p.topic),
		zap.String("key", key),
		zap.String("event_type", eventType))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader MessageReader
	topic  string
	logger *zap.Logger
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return NewConsumerWithReader(reader, topic)
}

// NewConsumerWithReader creates a consumer on an existing reader
func NewConsumerWithReader(reader MessageReader, topic string) *Consumer {
	return &Consumer{reader: reader, topic: topic, logger: util.GetLogger()}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming feeds messages to handler until ctx is done. A message is
// committed only after handler succeeds; failures are logged and skipped.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer", zap.String("topic", c.topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer context cancelled, stopping", zap.String("topic", c.topic))
				return ctx.Err()
			}
			c.logger.Error("Error fetching message", zap.Error(err))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &msg.Headers})
		if id := headerValue(msg, headerCorrelationID); id != "" {
			msgCtx = util.WithCorrelationID(msgCtx, id)
		}

		if err := handler(msgCtx, msg); err != nil {
			c.logger.Error("Error handling message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Error committing message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func headerValue(msg kafka.Message, key string) string {
	return headerCarrier{headers: &msg.Headers}.Get(key)
}

// headerCarrier adapts Kafka message headers to the otel text map carrier
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
