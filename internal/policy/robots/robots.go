// Package robots enforces robots.txt directives per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	maxRobotsBytes  = 1 << 20
	defaultCacheTTL = 24 * time.Hour
	defaultMaxHosts = 10000
)

// Config controls robots fetching.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
	// CacheTTL is how long a host's parsed robots.txt is reused.
	CacheTTL time.Duration
	// MaxHosts bounds the cache; the entry closest to expiry is evicted first.
	MaxHosts int
}

type cacheEntry struct {
	data    *robotstxt.RobotsData
	expires time.Time
}

// Enforcer fetches, parses, and caches robots.txt per scheme+host.
type Enforcer struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	maxHosts  int
	now       func() time.Time
	mu        sync.Mutex
	cache     map[string]cacheEntry
	group     singleflight.Group
	logger    *zap.Logger
}

// New builds an Enforcer.
func New(cfg Config, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "*"
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	maxHosts := cfg.MaxHosts
	if maxHosts <= 0 {
		maxHosts = defaultMaxHosts
	}
	return &Enforcer{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		maxHosts:  maxHosts,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
		logger:    logger,
	}
}

// Allowed reports whether the configured user agent may fetch rawURL.
// Fetch failures allow access; unparsable URLs do not.
func (e *Enforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := e.load(ctx, parsed)
	if err != nil {
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(e.userAgent)
	if group == nil {
		return true
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

func (e *Enforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := e.cached(key); ok {
		return data, nil
	}
	v, err, _ := e.group.Do(key, func() (any, error) {
		data, err := e.fetch(ctx, key+"/robots.txt")
		if err != nil {
			return nil, err
		}
		e.store(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, ok := v.(*robotstxt.RobotsData)
	if !ok {
		return nil, fmt.Errorf("robots result type mismatch: %T", v)
	}
	return data, nil
}

func (e *Enforcer) cached(key string) (*robotstxt.RobotsData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok {
		return nil, false
	}
	if !e.now().Before(entry.expires) {
		delete(e.cache, key)
		return nil, false
	}
	return entry.data, true
}

func (e *Enforcer) store(key string, data *robotstxt.RobotsData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if _, ok := e.cache[key]; !ok && len(e.cache) >= e.maxHosts {
		e.evictLocked(now)
	}
	e.cache[key] = cacheEntry{data: data, expires: now.Add(e.ttl)}
}

// evictLocked drops expired entries, or the one expiring soonest when none
// have expired.
func (e *Enforcer) evictLocked(now time.Time) {
	var oldest string
	var oldestAt time.Time
	for key, entry := range e.cache {
		if !now.Before(entry.expires) {
			delete(e.cache, key)
			continue
		}
		if oldest == "" || entry.expires.Before(oldestAt) {
			oldest, oldestAt = key, entry.expires
		}
	}
	if len(e.cache) >= e.maxHosts && oldest != "" {
		delete(e.cache, oldest)
	}
}

func (e *Enforcer) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// AllowAll permits every URL.
type AllowAll struct{}

// Allowed implements crawler.RobotsPolicy.
func (AllowAll) Allowed(context.Context, string) bool { return true }
