package engine

import "github.com/JakeFAU/site-crawler/internal/crawler"

// frontier is a FIFO of discovered URLs with O(1) membership checks, so a URL
// discovered twice before it is popped is queued once.
type frontier struct {
	entries []crawler.FrontierEntry
	head    int
	queued  map[string]struct{}
}

func newFrontier() *frontier {
	return &frontier{queued: make(map[string]struct{})}
}

// push appends e unless its URL is already waiting. It reports whether e was added.
func (f *frontier) push(e crawler.FrontierEntry) bool {
	if _, ok := f.queued[e.URL]; ok {
		return false
	}
	f.queued[e.URL] = struct{}{}
	f.entries = append(f.entries, e)
	return true
}

func (f *frontier) pop() (crawler.FrontierEntry, bool) {
	if f.head >= len(f.entries) {
		return crawler.FrontierEntry{}, false
	}
	e := f.entries[f.head]
	f.entries[f.head] = crawler.FrontierEntry{}
	f.head++
	delete(f.queued, e.URL)
	if f.head > 64 && f.head*2 > len(f.entries) {
		f.entries = append([]crawler.FrontierEntry(nil), f.entries[f.head:]...)
		f.head = 0
	}
	return e, true
}

func (f *frontier) len() int { return len(f.entries) - f.head }
