// Package redis stores progress snapshots in Redis with a TTL so finished
// jobs expire on their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/site-crawler/internal/progress"
	"github.com/JakeFAU/site-crawler/internal/store"
)

// saveIfNewer writes the snapshot only when its timestamp is not older than
// the stored one.
var saveIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'updated')
if current and tonumber(current) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'snapshot', ARGV[1], 'updated', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// ProgressRepo implements store.ProgressRepository on Redis hashes.
type ProgressRepo struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewProgressRepo wraps client. Keys are prefix+jobID.
func NewProgressRepo(client redis.UniversalClient, prefix string, ttl time.Duration) *ProgressRepo {
	if prefix == "" {
		prefix = "crawler:progress:"
	}
	return &ProgressRepo{client: client, prefix: prefix, ttl: ttl}
}

// SaveSnapshot stores snap unless a newer one is present.
func (r *ProgressRepo) SaveSnapshot(ctx context.Context, snap progress.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	keys := []string{r.prefix + snap.JobID}
	err = saveIfNewer.Run(ctx, r.client, keys, payload, snap.UpdatedAt.UnixNano(), r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.JobID, err)
	}
	return nil
}

// GetSnapshot loads the stored snapshot or store.ErrNotFound.
func (r *ProgressRepo) GetSnapshot(ctx context.Context, jobID string) (progress.Snapshot, error) {
	val, err := r.client.HGet(ctx, r.prefix+jobID, "snapshot").Result()
	if errors.Is(err, redis.Nil) {
		return progress.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return progress.Snapshot{}, fmt.Errorf("get snapshot %s: %w", jobID, err)
	}
	var snap progress.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return progress.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", jobID, err)
	}
	return snap, nil
}
