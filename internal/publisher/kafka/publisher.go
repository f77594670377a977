// Package kafka publishes job events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher wraps a Kafka writer. The writer carries no default topic so a
// single connection serves every topic passed to Publish.
type Publisher struct {
	writer messageWriter
	seq    atomic.Uint64
	now    func() time.Time
}

// New creates a publisher for the given brokers.
func New(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}), nil
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Publisher {
	return &Publisher{writer: writer, now: time.Now}
}

// Publish writes payload as JSON. Job events are keyed by job ID so every
// event for a job lands on the same partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("kafka topic is required")
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   messageKey(payload),
		Value: value,
		Time:  p.now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message to %s: %w", topic, err)
	}
	return fmt.Sprintf("%s-%d", topic, p.seq.Add(1)), nil
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func messageKey(payload any) []byte {
	switch v := payload.(type) {
	case crawler.JobFinished:
		return []byte(v.JobID)
	case *crawler.JobFinished:
		if v != nil {
			return []byte(v.JobID)
		}
	}
	return nil
}
