// Package extractor renders pages in pooled browser sessions and turns the
// resulting DOM into the formats a job asked for.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Config controls navigation behavior.
type Config struct {
	NavigationTimeout time.Duration
	UserAgent         string
	// SettleDelay gives client-side scripts time to render after body is ready.
	SettleDelay time.Duration
	Headers     http.Header
}

// Chromedp implements crawler.Extractor by opening one tab per request in the
// session's browser.
type Chromedp struct {
	cfg    Config
	logger *zap.Logger
}

// NewChromedp constructs an extractor.
func NewChromedp(cfg Config, logger *zap.Logger) *Chromedp {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chromedp{cfg: cfg, logger: logger}
}

// Extract navigates to req.URL and parses the rendered document. Navigation
// failures, timeouts, and HTTP error statuses are returned as
// *crawler.PageError.
func (e *Chromedp) Extract(ctx context.Context, session crawler.Session, req crawler.ExtractRequest) (crawler.Extraction, error) {
	if session == nil || !session.Alive() {
		return crawler.Extraction{}, &crawler.PageError{URL: req.URL, Err: errors.New("browser session unavailable")}
	}
	tabCtx, tabCancel := chromedp.NewContext(session.Context())
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(tabCtx, e.timeout(req))
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := e.render(taskCtx, req.URL)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Extraction{}, fmt.Errorf("extract %s: %w", req.URL, ctx.Err())
		}
		return crawler.Extraction{}, &crawler.PageError{URL: req.URL, Err: err}
	}
	status, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	if status >= http.StatusBadRequest {
		return crawler.Extraction{}, &crawler.PageError{URL: req.URL, Err: fmt.Errorf("http status %d", status)}
	}

	out, err := Parse(html, responseURL, req.Formats)
	if err != nil {
		return crawler.Extraction{}, &crawler.PageError{URL: req.URL, Err: err}
	}
	out.StatusCode = status
	out.Duration = time.Since(start)
	e.logger.Debug("page extracted",
		zap.String("job_id", req.JobID),
		zap.String("url", responseURL),
		zap.Int("status", status),
		zap.Int("links", len(out.Links)),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

func (e *Chromedp) render(ctx context.Context, target string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		e.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if e.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(e.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (e *Chromedp) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(e.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(e.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (e *Chromedp) timeout(req crawler.ExtractRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if e.cfg.NavigationTimeout > 0 {
		return e.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

// responseMeta records the main document response seen on the tab.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
