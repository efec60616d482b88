package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// NotificationPublisher enqueues payer notifications.
type NotificationPublisher struct {
	writer *kafka.Writer
}

// NewNotificationPublisher constructs a publisher for the given topic.
func NewNotificationPublisher(k *Kafka, topic string) *NotificationPublisher {
	return &NotificationPublisher{writer: k.NewWriter(topic)}
}

// PublishNotification writes the notification keyed by patient.
func (p *NotificationPublisher) PublishNotification(ctx context.Context, msg NotificationMessage) error {
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notification publisher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(msg.PatientID.String()),
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("notification publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *NotificationPublisher) Close() error {
	return p.writer.Close()
}
