package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

const testTopic = "projects/test-project/topics/jobs-finished"

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: testTopic})
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublisherPublishesJobFinished(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	ev := crawler.JobFinished{
		JobID:      "job-1",
		Kind:       crawler.JobKindCrawl,
		Status:     crawler.JobStatusCompleted,
		URL:        "https://example.com",
		FinishedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	id, err := pub.Publish(context.Background(), testTopic, ev)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])
	require.Equal(t, "crawl", msgs[0].Attributes["kind"])
	require.Equal(t, "completed", msgs[0].Attributes["status"])

	var got crawler.JobFinished
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, ev.JobID, got.JobID)
	require.Equal(t, ev.URL, got.URL)
}

func TestPublisherReusesTopicPublisher(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), testTopic, map[string]int{"n": i})
		require.NoError(t, err)
	}
	require.Len(t, srv.Messages(), 3)
	require.Len(t, pub.publishers, 1)
}

func TestPublisherRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), testTopic, "x")
	require.ErrorContains(t, err, "not configured")

	pub, _ := newTestPublisher(t)
	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), testTopic, func() {})
	require.ErrorContains(t, err, "marshal payload")
}

func TestAttributesIgnoresUnknownPayloads(t *testing.T) {
	t.Parallel()

	require.Empty(t, attributes("plain"))
	require.Empty(t, attributes((*crawler.JobFinished)(nil)))
	require.Equal(t, "job-2", attributes(&crawler.JobFinished{JobID: "job-2"})["job_id"])
}
