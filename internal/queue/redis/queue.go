// Package redis implements a durable priority queue on Redis lists.
//
// Each job kind owns three lists, one per priority band, plus a hash holding
// the encoded items and a sorted set of retries waiting for their NotBefore
// time. Dequeue moves an ID with LMOVE from the highest non-empty band onto a
// processing list and parks its payload in an in-flight hash until Ack, so an
// item claimed by a process that dies is still in Redis for Recover.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// notifyBacklog bounds the wakeup list; extra tokens only cause rescans.
const notifyBacklog = 64

// Config tunes the queue keys and blocking behavior.
type Config struct {
	Prefix string
	Kind   crawler.JobKind
	// PollTimeout bounds each idle wait so delayed items and Close are noticed.
	PollTimeout time.Duration
}

// Queue is a crawler.Queue backed by Redis.
type Queue struct {
	client      redis.UniversalClient
	bands       []string
	items       string
	delayed     string
	processing  string
	inflight    string
	notify      string
	pollTimeout time.Duration
	closed      atomic.Bool
	now         func() time.Time
}

// New constructs a queue for cfg.Kind.
func New(client redis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", cfg.Kind)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "crawler:queue"
	}
	base := fmt.Sprintf("%s:%s", prefix, cfg.Kind)
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	return &Queue{
		client: client,
		bands: []string{
			base + ":high",
			base + ":medium",
			base + ":low",
		},
		items:       base + ":items",
		delayed:     base + ":delayed",
		processing:  base + ":processing",
		inflight:    base + ":inflight",
		notify:      base + ":notify",
		pollTimeout: poll,
		now:         time.Now,
	}, nil
}

func (q *Queue) band(priority int) string {
	switch {
	case priority <= crawler.PriorityHigh.Value():
		return q.bands[0]
	case priority <= crawler.PriorityMedium.Value():
		return q.bands[1]
	default:
		return q.bands[2]
	}
}

// Enqueue stores item and makes it visible immediately or at NotBefore.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if q.closed.Load() {
		return crawler.ErrQueueClosed
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.items, item.JobID, payload)
		if item.NotBefore.After(q.now()) {
			pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(item.NotBefore.UnixMilli()), Member: item.JobID})
		} else {
			pipe.LPush(ctx, q.band(item.Priority), item.JobID)
			q.wake(ctx, pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.JobID, err)
	}
	return nil
}

// wake leaves a token for consumers blocked in Dequeue.
func (q *Queue) wake(ctx context.Context, pipe redis.Pipeliner) {
	pipe.LPush(ctx, q.notify, "1")
	pipe.LTrim(ctx, q.notify, 0, notifyBacklog-1)
}

// Dequeue blocks until an item is available, ctx ends, or the queue closes.
// The item stays on the processing list until Ack.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		if q.closed.Load() {
			return crawler.QueueItem{}, crawler.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if err := q.promote(ctx); err != nil {
			return crawler.QueueItem{}, err
		}
		item, ok, err := q.claim(ctx)
		if err != nil {
			return crawler.QueueItem{}, err
		}
		if ok {
			return item, nil
		}
		err = q.client.BRPop(ctx, q.pollTimeout, q.notify).Err()
		if err == nil || errors.Is(err, redis.Nil) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctxErr)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		return crawler.QueueItem{}, fmt.Errorf("wait for items: %w", err)
	}
}

// claim moves the oldest ID of the highest non-empty band onto the
// processing list and loads its payload.
func (q *Queue) claim(ctx context.Context) (crawler.QueueItem, bool, error) {
	for _, band := range q.bands {
		for {
			jobID, err := q.client.LMove(ctx, band, q.processing, "RIGHT", "LEFT").Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return crawler.QueueItem{}, false, fmt.Errorf("claim from %s: %w", band, err)
			}
			item, ok, err := q.take(ctx, jobID)
			if err != nil || ok {
				return item, ok, err
			}
		}
	}
	return crawler.QueueItem{}, false, nil
}

// take moves the payload for a claimed jobID from the waiting hash to the
// in-flight hash. A missing payload means the job was removed while its ID
// sat in a list; the stale claim is dropped.
func (q *Queue) take(ctx context.Context, jobID string) (crawler.QueueItem, bool, error) {
	raw, err := q.client.HGet(ctx, q.items, jobID).Result()
	if errors.Is(err, redis.Nil) {
		if err := q.client.LRem(ctx, q.processing, 1, jobID).Err(); err != nil {
			return crawler.QueueItem{}, false, fmt.Errorf("drop stale claim %s: %w", jobID, err)
		}
		return crawler.QueueItem{}, false, nil
	}
	if err != nil {
		return crawler.QueueItem{}, false, fmt.Errorf("load queue item %s: %w", jobID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.inflight, jobID, raw)
		pipe.HDel(ctx, q.items, jobID)
		return nil
	})
	if err != nil {
		return crawler.QueueItem{}, false, fmt.Errorf("mark %s in flight: %w", jobID, err)
	}
	var item crawler.QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return crawler.QueueItem{}, false, fmt.Errorf("decode queue item %s: %w", jobID, err)
	}
	return item, true, nil
}

// Ack forgets a dequeued item. A retry enqueued before Ack is untouched
// because waiting payloads live in a different hash.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 0, jobID)
		pipe.HDel(ctx, q.inflight, jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	return nil
}

// Recover puts every unacknowledged item back at the front of its band. Call
// it before any consumer of this kind starts; a live consumer's claims would
// be handed out twice.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list unacknowledged items: %w", err)
	}
	restored := 0
	seen := make(map[string]struct{}, len(ids))
	for _, jobID := range ids {
		if _, dup := seen[jobID]; dup {
			continue
		}
		seen[jobID] = struct{}{}
		ok, err := q.restore(ctx, jobID)
		if err != nil {
			return restored, err
		}
		if ok {
			restored++
		}
	}
	return restored, nil
}

// restore requeues one unacknowledged jobID. It reports false when the job is
// already waiting again or nothing is known about it.
func (q *Queue) restore(ctx context.Context, jobID string) (bool, error) {
	raw, err := q.client.HGet(ctx, q.inflight, jobID).Result()
	notInFlight := errors.Is(err, redis.Nil)
	if err != nil && !notInFlight {
		return false, fmt.Errorf("load in-flight item %s: %w", jobID, err)
	}
	waiting, err := q.client.HExists(ctx, q.items, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("check waiting item %s: %w", jobID, err)
	}

	var item crawler.QueueItem
	requeue := false
	switch {
	case notInFlight && waiting:
		// Claimed but never moved in flight: the payload is still waiting.
		if raw, err = q.client.HGet(ctx, q.items, jobID).Result(); err != nil {
			return false, fmt.Errorf("load queue item %s: %w", jobID, err)
		}
		requeue = true
	case !notInFlight && !waiting:
		requeue = true
	}
	if requeue {
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return false, fmt.Errorf("decode in-flight item %s: %w", jobID, err)
		}
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if requeue {
			pipe.HSet(ctx, q.items, jobID, raw)
			pipe.RPush(ctx, q.band(item.Priority), jobID)
			q.wake(ctx, pipe)
		}
		pipe.LRem(ctx, q.processing, 0, jobID)
		pipe.HDel(ctx, q.inflight, jobID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("restore %s: %w", jobID, err)
	}
	return requeue, nil
}

// promote moves due delayed items onto their band lists. ZREM arbitrates
// between concurrent consumers so each item is pushed once.
func (q *Queue) promote(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed items: %w", err)
	}
	for _, jobID := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, jobID).Result()
		if err != nil {
			return fmt.Errorf("claim delayed item %s: %w", jobID, err)
		}
		if removed == 0 {
			continue
		}
		raw, err := q.client.HGet(ctx, q.items, jobID).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load delayed item %s: %w", jobID, err)
		}
		var item crawler.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return fmt.Errorf("decode delayed item %s: %w", jobID, err)
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, q.band(item.Priority), jobID)
			q.wake(ctx, pipe)
			return nil
		})
		if err != nil {
			return fmt.Errorf("promote %s: %w", jobID, err)
		}
	}
	return nil
}

// Remove deletes a waiting job from every structure.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	cmds := make([]*redis.IntCmd, 0, len(q.bands)+2)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, band := range q.bands {
			cmds = append(cmds, pipe.LRem(ctx, band, 0, jobID))
		}
		cmds = append(cmds, pipe.ZRem(ctx, q.delayed, jobID), pipe.HDel(ctx, q.items, jobID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", jobID, err)
	}
	for _, cmd := range cmds {
		if cmd.Val() > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Len counts waiting and delayed items. In-flight items are not included.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, q.items).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

// Close stops future Enqueue and Dequeue calls. The client is owned by the
// caller and left open.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
