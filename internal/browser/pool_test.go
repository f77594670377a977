package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

type fakeSession struct {
	id     int
	alive  atomic.Bool
	closed atomic.Bool
}

func (s *fakeSession) Context() context.Context { return context.Background() }

func (s *fakeSession) Alive() bool { return s.alive.Load() && !s.closed.Load() }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
	delay    time.Duration
}

func (l *fakeLauncher) Launch(ctx context.Context) (crawler.Session, error) {
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	s := &fakeSession{id: len(l.sessions) + 1}
	s.alive.Store(true)
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, launcher Launcher, cfg Config, opts ...Option) *Pool {
	t.Helper()
	pool, err := NewPool(launcher, cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.CloseAll() })
	return pool
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(nil, Config{MaxInstances: 1}, nil)
	require.Error(t, err)
	_, err = NewPool(&fakeLauncher{}, Config{}, nil)
	require.Error(t, err)
}

func TestPoolReusesIdleInstance(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, launcher, Config{MaxInstances: 2})
	ctx := context.Background()

	h1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(h1))

	h2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, h1.Session(), h2.Session())
	require.Equal(t, 1, launcher.launched())

	stats := pool.Stats()
	require.Equal(t, 1, stats.InUse)
	require.Equal(t, 1, stats.Live)
	require.Equal(t, uint64(1), stats.Created)
}

func TestPoolFailsFastWhenExhausted(t *testing.T) {
	t.Parallel()

	var exhaustedCalls atomic.Int32
	pool := newTestPool(t, &fakeLauncher{}, Config{
		MaxInstances: 1,
		OnExhausted:  func() { exhaustedCalls.Add(1) },
	})
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, crawler.ErrResourceExhausted)
	case <-time.After(time.Second):
		t.Fatal("second acquire blocked instead of failing fast")
	}
	require.Equal(t, int32(1), exhaustedCalls.Load())
	require.Equal(t, uint64(1), pool.Stats().Exhausted)

	require.NoError(t, pool.Release(held))
	_, err = pool.Acquire(ctx)
	require.NoError(t, err)
}

func TestPoolConcurrentAcquireNeverExceedsMax(t *testing.T) {
	t.Parallel()

	const maxInstances = 3
	pool := newTestPool(t, &fakeLauncher{delay: time.Millisecond}, Config{MaxInstances: maxInstances})
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		inUse     atomic.Int32
		peak      atomic.Int32
		exhausted atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h, err := pool.Acquire(ctx)
				if errors.Is(err, crawler.ErrResourceExhausted) {
					exhausted.Add(1)
					continue
				}
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				cur := inUse.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inUse.Add(-1)
				if err := pool.Release(h); err != nil {
					t.Errorf("release: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(maxInstances))
	require.Greater(t, exhausted.Load(), int32(0))
	require.LessOrEqual(t, pool.Stats().Live, maxInstances)
}

func TestPoolDetectsStaleHandles(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, launcher, Config{MaxInstances: 1})
	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(h))
	require.ErrorIs(t, pool.Release(h), crawler.ErrStaleHandle, "double release")

	launcher.sessions[0].alive.Store(false)
	require.Equal(t, 1, pool.HealthCheck())
	require.True(t, launcher.sessions[0].closed.Load())

	fresh, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, h.Session(), fresh.Session())
	require.ErrorIs(t, pool.Release(h), crawler.ErrStaleHandle, "handle from a recycled slot")
	require.NoError(t, pool.Release(fresh))
	require.ErrorIs(t, pool.Release(Handle{slot: 7}), crawler.ErrStaleHandle)
}

func TestPoolRecyclesExpiredIdleInstances(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	launcher := &fakeLauncher{}
	pool := newTestPool(t, launcher, Config{MaxInstances: 1, MaxAge: time.Minute}, WithClock(clock))
	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(h))

	clock.Advance(2 * time.Minute)
	h2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, launcher.launched())
	require.True(t, launcher.sessions[0].closed.Load())
	require.NotSame(t, h.Session(), h2.Session())
}

func TestPoolReplacesDisconnectedIdleOnAcquire(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, launcher, Config{MaxInstances: 1})
	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(h))
	launcher.sessions[0].alive.Store(false)

	_, err = pool.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, launcher.launched())
}

func TestPoolReleaseOfDeadSessionFreesSlot(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, launcher, Config{MaxInstances: 1})

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	launcher.sessions[0].alive.Store(false)
	require.NoError(t, pool.Release(h))

	stats := pool.Stats()
	require.Equal(t, 0, stats.Live)
	require.Equal(t, uint64(1), stats.Destroyed)
}

func TestPoolLaunchFailureFreesSlot(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{err: errors.New("chrome missing")}
	pool := newTestPool(t, launcher, Config{MaxInstances: 1})

	_, err := pool.Acquire(context.Background())
	require.ErrorContains(t, err, "chrome missing")
	require.NotErrorIs(t, err, crawler.ErrResourceExhausted)
	require.Equal(t, 0, pool.Stats().Launching)

	launcher.mu.Lock()
	launcher.err = nil
	launcher.mu.Unlock()
	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)
}

func TestPoolCloseAll(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool, err := NewPool(launcher, Config{MaxInstances: 2}, nil)
	require.NoError(t, err)

	busy, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	idle, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Release(idle))

	require.NoError(t, pool.CloseAll())
	for _, s := range launcher.sessions {
		require.True(t, s.closed.Load())
	}
	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, crawler.ErrPoolClosed)
	require.ErrorIs(t, pool.Release(busy), crawler.ErrStaleHandle)
}

func TestPoolRunStopsWithContext(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, launcher, Config{MaxInstances: 1})
	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Release(h))
	launcher.sessions[0].alive.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return pool.Stats().Live == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestPoolRunReportsStats(t *testing.T) {
	t.Parallel()

	reports := make(chan Stats, 16)
	launcher := &fakeLauncher{}
	pool := newTestPool(t, launcher, Config{
		MaxInstances: 2,
		OnStats: func(s Stats) {
			select {
			case reports <- s:
			default:
			}
		},
	})
	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx, 5*time.Millisecond)

	select {
	case s := <-reports:
		require.Equal(t, 1, s.InUse)
		require.Equal(t, 2, s.Max)
	case <-time.After(time.Second):
		t.Fatal("no stats reported")
	}
}
