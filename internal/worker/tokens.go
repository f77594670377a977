package worker

import (
	"sync"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Tokens maps running job IDs to their cancellation tokens. The dispatcher
// cancels through it; workers read the token when a job starts.
type Tokens struct {
	mu     sync.Mutex
	tokens map[string]*crawler.CancelToken
}

// NewTokens returns an empty token table.
func NewTokens() *Tokens {
	return &Tokens{tokens: make(map[string]*crawler.CancelToken)}
}

// Get returns the token for jobID, creating an unset one if needed.
func (t *Tokens) Get(jobID string) *crawler.CancelToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, ok := t.tokens[jobID]
	if !ok {
		token = crawler.NewCancelToken()
		t.tokens[jobID] = token
	}
	return token
}

// Cancel sets the token for jobID. A job that has not started yet sees the
// token already set when it does.
func (t *Tokens) Cancel(jobID string) {
	t.Get(jobID).Cancel()
}

// Remove forgets jobID.
func (t *Tokens) Remove(jobID string) {
	t.mu.Lock()
	delete(t.tokens, jobID)
	t.mu.Unlock()
}

// Len reports how many tokens are held.
func (t *Tokens) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}
