// Package messaging publishes order status events to Kafka for downstream
// consumers (notification fan-out, analytics).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/brokerlink/relay/pkg/models"
)

// KafkaPublisher writes status events to a single topic, keyed by order id
// so all events for one order land on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{
		writer: writer,
		logger: logger.Named("kafka").With(zap.String("topic", topic)),
	}
}

// PublishStatusEvent emits one reconciled status change.
func (p *KafkaPublisher) PublishStatusEvent(ctx context.Context, event models.OrderStatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.OrderID.String()),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	p.logger.Debug("status event published",
		zap.String("order_id", event.OrderID.String()),
		zap.String("status", event.Status))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
