// Package notify publishes mutation notifications
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/logger"
)

// RequestIDHeader is the message header carrying the id of the originating request
const RequestIDHeader = "request-id"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications to a kafka topic. Messages are keyed by
// module and model so that mutations of one model stay ordered.
type Kafka struct {
	writer messageWriter
	now    func() time.Time
}

// NewKafka returns a notifier writing to topic on the given brokers
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}
}

// Notify implements core.Notifier
func (k *Kafka) Notify(ctx context.Context, n core.Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = k.now()
	}
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("cannot encode notification: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.Module + "/" + n.Model),
		Value: value,
		Time:  n.Timestamp,
	}
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: RequestIDHeader, Value: []byte(requestID)})
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("cannot publish notification for %s/%s: %w", n.Module, n.Model, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
