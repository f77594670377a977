package sinks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-crawler/internal/progress"
	"github.com/JakeFAU/site-crawler/internal/store"
)

// TestStoreSinkPersistsLatestSnapshot ensures each job is written once per batch with its newest state.
func TestStoreSinkPersistsLatestSnapshot(t *testing.T) {
	t.Parallel()

	repo := newFakeProgressRepo()
	sink := NewStoreSink(repo, nil)
	now := time.Now()

	batch := []progress.Event{
		{JobID: "a", TS: now, Type: progress.EventJobStarted, Snapshot: progress.Snapshot{JobID: "a", UpdatedAt: now}},
		{JobID: "b", TS: now, Type: progress.EventJobStarted, Snapshot: progress.Snapshot{JobID: "b", UpdatedAt: now}},
		{
			JobID:    "a",
			TS:       now.Add(time.Second),
			Type:     progress.EventProgress,
			Snapshot: progress.Snapshot{JobID: "a", PagesProcessed: 3, UpdatedAt: now.Add(time.Second)},
		},
		{JobID: "no-snapshot", TS: now, Type: progress.EventProgress},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2, repo.writes)
	snap, err := repo.GetSnapshot(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 3, snap.PagesProcessed)
	_, err = repo.GetSnapshot(context.Background(), "no-snapshot")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := newFakeProgressRepo()
	repo.fail = true
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: time.Now(), Type: progress.EventJobStarted, Snapshot: progress.Snapshot{JobID: "a"}},
	})
	require.Error(t, err)
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{JobID: "a"}}))
}

type fakeProgressRepo struct {
	mu     sync.Mutex
	fail   bool
	writes int
	snaps  map[string]progress.Snapshot
}

func newFakeProgressRepo() *fakeProgressRepo {
	return &fakeProgressRepo{snaps: make(map[string]progress.Snapshot)}
}

func (f *fakeProgressRepo) SaveSnapshot(_ context.Context, snap progress.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assertErr("save")
	}
	f.writes++
	f.snaps[snap.JobID] = snap
	return nil
}

func (f *fakeProgressRepo) GetSnapshot(_ context.Context, jobID string) (progress.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[jobID]
	if !ok {
		return progress.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
