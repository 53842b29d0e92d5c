package loop

import (
	"sync"
	"time"
)

// canceller implements the double-signal abort: the first signal arms, a
// second within the confirm window fires the abort. An isolated signal
// expires and the next one arms again.
type canceller struct {
	mu     sync.Mutex
	window time.Duration
	armed  map[string]time.Time
	now    func() time.Time
}

func newCanceller(window time.Duration) *canceller {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &canceller{
		window: window,
		armed:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// Signal registers one cancel press for a conversation and reports whether
// the abort is confirmed.
func (c *canceller) Signal(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if armedAt, ok := c.armed[conversationID]; ok && now.Sub(armedAt) <= c.window {
		delete(c.armed, conversationID)
		return true
	}
	c.armed[conversationID] = now
	return false
}

// Reset clears any armed state, used when a run finishes on its own.
func (c *canceller) Reset(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.armed, conversationID)
}
