// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Publisher publishes JSON payloads, lazily opening one topic publisher per
// topic name.
type Publisher struct {
	client *pubsub.Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New wraps an existing Pub/Sub client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{client: client, publishers: make(map[string]*pubsub.Publisher)}
}

// Dial creates a client for projectID using ambient credentials.
func Dial(ctx context.Context, projectID string) (*Publisher, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return New(client), nil
}

// Publish marshals the payload to JSON and blocks until the server acknowledges it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisher(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for name, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, name)
	}
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	return pub
}

// attributes lifts routing fields of known events into message attributes so
// subscribers can filter without decoding the body.
func attributes(payload any) map[string]string {
	attrs := make(map[string]string)
	var ev crawler.JobFinished
	switch v := payload.(type) {
	case crawler.JobFinished:
		ev = v
	case *crawler.JobFinished:
		if v == nil {
			return attrs
		}
		ev = *v
	default:
		return attrs
	}
	attrs["job_id"] = ev.JobID
	attrs["kind"] = string(ev.Kind)
	attrs["status"] = string(ev.Status)
	return attrs
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
