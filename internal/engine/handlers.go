package engine

import (
	"context"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/progress"
)

// CrawlHandler runs crawl jobs with the options they were submitted with.
type CrawlHandler struct {
	Engine *Engine
}

// Handle implements worker.Handler.
func (h CrawlHandler) Handle(
	ctx context.Context,
	job crawler.Job,
	tracker *progress.Tracker,
	token *crawler.CancelToken,
) (crawler.Outcome, error) {
	return h.Engine.Crawl(ctx, job, tracker, token)
}

// ScrapeHandler runs scrape jobs as a single-page crawl of the seed URL.
type ScrapeHandler struct {
	Engine *Engine
}

// Handle implements worker.Handler.
func (h ScrapeHandler) Handle(
	ctx context.Context,
	job crawler.Job,
	tracker *progress.Tracker,
	token *crawler.CancelToken,
) (crawler.Outcome, error) {
	job.Options = job.Options.SinglePage()
	return h.Engine.Crawl(ctx, job, tracker, token)
}
