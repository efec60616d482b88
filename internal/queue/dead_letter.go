package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeadLetter parks messages that a worker could not process.
type DeadLetter struct {
	writer *kafka.Writer
}

// NewDeadLetter constructs a dead-letter publisher for the given topic.
func NewDeadLetter(k *Kafka, topic string) *DeadLetter {
	return &DeadLetter{writer: k.NewWriter(topic)}
}

// Park writes the failed message with the error that stopped it.
func (d *DeadLetter) Park(ctx context.Context, m kafka.Message, cause error) error {
	payload := json.RawMessage(m.Value)
	if !json.Valid(m.Value) {
		quoted, _ := json.Marshal(string(m.Value))
		payload = quoted
	}
	msg := DeadLetterMessage{
		SourceTopic: m.Topic,
		Key:         m.Key,
		Payload:     payload,
		Error:       cause.Error(),
		FailedAt:    time.Now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dead letter: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   m.Key,
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dead letter: write: %w", err)
	}
	return nil
}

// Close closes the writer.
func (d *DeadLetter) Close() error {
	return d.writer.Close()
}
