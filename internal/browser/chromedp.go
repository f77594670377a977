package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// LauncherConfig controls how Chrome processes are started.
type LauncherConfig struct {
	Headless  bool
	NoSandbox bool
	UserAgent string
	ExecPath  string
}

// ChromedpLauncher starts one Chrome process per session.
type ChromedpLauncher struct {
	opts   []chromedp.ExecAllocatorOption
	logger *zap.Logger
}

// NewChromedpLauncher prepares allocator options from cfg.
func NewChromedpLauncher(cfg LauncherConfig, logger *zap.Logger) *ChromedpLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromedpLauncher{opts: allocatorOptions(cfg), logger: logger}
}

func allocatorOptions(cfg LauncherConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Launch starts Chrome and blocks until the browser target is ready or ctx
// ends. The session outlives ctx.
func (l *ChromedpLauncher) Launch(ctx context.Context) (crawler.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	ready := make(chan error, 1)
	go func() {
		ready <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-ready:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", ctx.Err())
	}

	return &chromeSession{
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		logger:        l.logger,
	}, nil
}

type chromeSession struct {
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	logger        *zap.Logger
	closeOnce     sync.Once
}

func (s *chromeSession) Context() context.Context { return s.ctx }

func (s *chromeSession) Alive() bool {
	if s.ctx.Err() != nil {
		return false
	}
	c := chromedp.FromContext(s.ctx)
	return c != nil && c.Browser != nil
}

func (s *chromeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := chromedp.Cancel(s.ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close browser: %w", cerr)
		}
		s.browserCancel()
		s.allocCancel()
	})
	return err
}
