package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Launcher starts a new browser session.
type Launcher interface {
	Launch(ctx context.Context) (crawler.Session, error)
}

// Config bounds the pool.
type Config struct {
	MaxInstances int
	// MaxAge recycles idle sessions created longer ago than this. Zero disables.
	MaxAge time.Duration
	// OnExhausted is invoked each time Acquire fails because every slot is busy.
	OnExhausted func()
	// OnStats receives the pool occupancy after each health check run by Run.
	OnStats func(Stats)
}

// Handle identifies one acquisition. It is only valid until released.
type Handle struct {
	slot       int
	generation uint64
	session    crawler.Session
}

// Session returns the acquired browser session.
func (h Handle) Session() crawler.Session { return h.session }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Max       int    `json:"max"`
	Live      int    `json:"live"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	Launching int    `json:"launching"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Exhausted uint64 `json:"exhausted"`
}

type slotState int

const (
	slotEmpty slotState = iota
	slotLaunching
	slotIdle
	slotBusy
)

type slot struct {
	state      slotState
	generation uint64
	session    crawler.Session
	createdAt  time.Time
	lastUsed   time.Time
}

// Pool hands out at most MaxInstances sessions, never shares one between
// acquirers, and fails fast when every slot is busy.
type Pool struct {
	mu       sync.Mutex
	slots    []slot
	launcher Launcher
	cfg      Config
	clock    crawler.Clock
	logger   *zap.Logger
	closed   bool

	created   uint64
	destroyed uint64
	exhausted uint64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for age checks.
func WithClock(clock crawler.Clock) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewPool builds a pool. Sessions are launched lazily on Acquire.
func NewPool(launcher Launcher, cfg Config, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("browser pool requires a launcher")
	}
	if cfg.MaxInstances <= 0 {
		return nil, fmt.Errorf("max instances must be positive, got %d", cfg.MaxInstances)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		slots:    make([]slot, cfg.MaxInstances),
		launcher: launcher,
		cfg:      cfg,
		clock:    systemClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Acquire returns an idle session, launching one if a slot is free. When all
// slots are busy it returns crawler.ErrResourceExhausted without waiting.
func (p *Pool) Acquire(ctx context.Context) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, crawler.ErrPoolClosed
	}
	now := p.clock.Now()
	var retired []crawler.Session
	for i := range p.slots {
		s := &p.slots[i]
		if s.state != slotIdle {
			continue
		}
		if !s.session.Alive() || p.expired(s, now) {
			retired = append(retired, p.evictLocked(i))
			continue
		}
		s.state = slotBusy
		s.lastUsed = now
		h := Handle{slot: i, generation: s.generation, session: s.session}
		p.mu.Unlock()
		p.closeSessions(retired)
		return h, nil
	}

	idx := -1
	for i := range p.slots {
		if p.slots[i].state == slotEmpty {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.exhausted++
		busy := len(p.slots)
		p.mu.Unlock()
		p.closeSessions(retired)
		if p.cfg.OnExhausted != nil {
			p.cfg.OnExhausted()
		}
		return Handle{}, fmt.Errorf("%w: %d of %d instances busy", crawler.ErrResourceExhausted, busy, len(p.slots))
	}
	s := &p.slots[idx]
	s.state = slotLaunching
	s.generation++
	generation := s.generation
	p.mu.Unlock()
	p.closeSessions(retired)

	session, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	if err != nil {
		if s.generation == generation {
			s.state = slotEmpty
		}
		p.mu.Unlock()
		return Handle{}, fmt.Errorf("launch browser: %w", err)
	}
	if p.closed || s.generation != generation {
		p.mu.Unlock()
		p.closeSessions([]crawler.Session{session})
		return Handle{}, crawler.ErrPoolClosed
	}
	now = p.clock.Now()
	s.session = session
	s.state = slotBusy
	s.createdAt = now
	s.lastUsed = now
	p.created++
	p.mu.Unlock()

	p.logger.Debug("browser instance launched", zap.Int("slot", idx), zap.Uint64("generation", generation))
	return Handle{slot: idx, generation: generation, session: session}, nil
}

// Release returns a session to the idle set. Releasing a handle whose slot
// has since been recycled, or releasing twice, yields crawler.ErrStaleHandle.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	if h.slot < 0 || h.slot >= len(p.slots) {
		p.mu.Unlock()
		return crawler.ErrStaleHandle
	}
	s := &p.slots[h.slot]
	if s.generation != h.generation || s.state != slotBusy {
		p.mu.Unlock()
		return crawler.ErrStaleHandle
	}
	if !s.session.Alive() {
		retired := p.evictLocked(h.slot)
		p.mu.Unlock()
		p.closeSessions([]crawler.Session{retired})
		return nil
	}
	s.state = slotIdle
	s.lastUsed = p.clock.Now()
	p.mu.Unlock()
	return nil
}

// HealthCheck prunes idle sessions that are disconnected or past MaxAge and
// returns how many were removed. Busy sessions are left to their holders.
func (p *Pool) HealthCheck() int {
	p.mu.Lock()
	now := p.clock.Now()
	var retired []crawler.Session
	for i := range p.slots {
		s := &p.slots[i]
		if s.state != slotIdle {
			continue
		}
		if !s.session.Alive() || p.expired(s, now) {
			retired = append(retired, p.evictLocked(i))
		}
	}
	p.mu.Unlock()
	p.closeSessions(retired)
	return len(retired)
}

// Run calls HealthCheck every interval until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := p.HealthCheck(); pruned > 0 {
				p.logger.Info("browser pool pruned instances", zap.Int("pruned", pruned))
			}
			if p.cfg.OnStats != nil {
				p.cfg.OnStats(p.Stats())
			}
		}
	}
}

// CloseAll destroys every session and rejects further acquisitions.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	p.closed = true
	var retired []crawler.Session
	for i := range p.slots {
		switch p.slots[i].state {
		case slotIdle, slotBusy:
			retired = append(retired, p.evictLocked(i))
		case slotLaunching:
			p.slots[i].state = slotEmpty
			p.slots[i].generation++
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, session := range retired {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{
		Max:       len(p.slots),
		Created:   p.created,
		Destroyed: p.destroyed,
		Exhausted: p.exhausted,
	}
	for i := range p.slots {
		switch p.slots[i].state {
		case slotIdle:
			stats.Idle++
			stats.Live++
		case slotBusy:
			stats.InUse++
			stats.Live++
		case slotLaunching:
			stats.Launching++
		}
	}
	return stats
}

func (p *Pool) expired(s *slot, now time.Time) bool {
	return p.cfg.MaxAge > 0 && now.Sub(s.createdAt) > p.cfg.MaxAge
}

// evictLocked empties slot i and returns its session for closing outside the lock.
func (p *Pool) evictLocked(i int) crawler.Session {
	s := &p.slots[i]
	session := s.session
	s.session = nil
	s.state = slotEmpty
	s.generation++
	p.destroyed++
	return session
}

func (p *Pool) closeSessions(sessions []crawler.Session) {
	for _, session := range sessions {
		if session == nil {
			continue
		}
		if err := session.Close(); err != nil {
			p.logger.Warn("closing browser instance failed", zap.Error(err))
		}
	}
}
