package crawler

import "sync"

// CancelToken is a cooperative cancellation flag. Unlike a context it does
// not abort in-flight work; loops poll it at their own check points.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the flag. It is safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}
