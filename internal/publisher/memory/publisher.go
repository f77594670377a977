// Package memory keeps published events in process. It backs local runs and
// tests where no broker is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Publisher records published payloads, optionally bounded to the most recent
// limit entries.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	seq      int
	limit    int
	logger   *zap.Logger
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher. A limit of zero keeps every message.
func New(limit int, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{limit: limit, logger: logger}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.limit:]...)
	}
	p.mu.Unlock()

	fields := []zap.Field{zap.String("topic", topic), zap.String("message_id", id)}
	if ev, ok := payload.(crawler.JobFinished); ok {
		fields = append(fields, zap.String("job_id", ev.JobID), zap.String("status", string(ev.Status)))
	}
	p.logger.Debug("event published", fields...)
	return id, nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// JobEvents returns the recorded job completion events on topic.
func (p *Publisher) JobEvents(topic string) []crawler.JobFinished {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.JobFinished
	for _, msg := range p.messages {
		if msg.Topic != topic {
			continue
		}
		if ev, ok := msg.Payload.(crawler.JobFinished); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Close is a no-op so the publisher satisfies the same lifecycle as brokers.
func (p *Publisher) Close() error { return nil }
