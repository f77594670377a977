package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestPublishKeysJobEvents(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer)
	ev := crawler.JobFinished{JobID: "job-123", Kind: crawler.JobKindScrape, Status: crawler.JobStatusFailed, Error: "boom"}

	id, err := pub.Publish(context.Background(), "jobs.finished", ev)
	require.NoError(t, err)
	require.Equal(t, "jobs.finished-1", id)

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, "jobs.finished", msg.Topic)
	require.Equal(t, "job-123", string(msg.Key))
	require.False(t, msg.Time.IsZero())

	var got crawler.JobFinished
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.Equal(t, ev.JobID, got.JobID)
	require.Equal(t, ev.Error, got.Error)

	id, err = pub.Publish(context.Background(), "jobs.finished", &ev)
	require.NoError(t, err)
	require.Equal(t, "jobs.finished-2", id)
	require.Equal(t, "job-123", string(writer.msgs[1].Key))
}

func TestPublishUnkeyedPayload(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer)
	_, err := pub.Publish(context.Background(), "misc", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Nil(t, writer.msgs[0].Key)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{err: errors.New("broker down")}
	pub := NewWithWriter(writer)

	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	_, err = pub.Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "broker down")
}

func TestNewRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)

	pub, err := New([]string{"localhost:9092"})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestCloseClosesWriter(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	require.NoError(t, NewWithWriter(writer).Close())
	require.True(t, writer.closed)
}
