package outbound

import (
	"sync"
	"time"
)

// Container is the ordered outbound queue for one stream. Every method
// runs under the container lock, so a scan-then-remove never observes a
// concurrent insertion half way through.
type Container struct {
	stream string

	mu    sync.Mutex
	items []Item
}

func newContainer(stream string) *Container {
	return &Container{stream: stream}
}

// StreamID returns the stream the container serves.
func (c *Container) StreamID() string { return c.stream }

func (c *Container) add(it Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, it)
}

// takeThinkingLocked removes the placeholder with the given ID. Must be
// called with c.mu held.
func (c *Container) takeThinkingLocked(id string) (*Thinking, bool) {
	for i, it := range c.items {
		t, ok := it.(*Thinking)
		if !ok || t.ID != id {
			continue
		}
		c.items = append(c.items[:i], c.items[i+1:]...)
		return t, true
	}
	return nil, false
}

func (c *Container) takeThinking(id string) (*Thinking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeThinkingLocked(id)
}

// replace swaps the placeholder for set in one critical section. The
// set is appended at the tail so it is delivered after anything queued
// while it was being generated.
func (c *Container) replace(id string, set *MessageSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.takeThinkingLocked(id); !ok {
		return false
	}
	c.items = append(c.items, set)
	return true
}

// expire removes placeholders created before cutoff.
func (c *Container) expire(cutoff time.Time) []*Thinking {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []*Thinking
	kept := c.items[:0]
	for _, it := range c.items {
		if t, ok := it.(*Thinking); ok && t.StartedAt.Before(cutoff) {
			expired = append(expired, t)
			continue
		}
		kept = append(kept, it)
	}
	clear(c.items[len(kept):])
	c.items = kept
	return expired
}

// popReady removes and returns every finalized item in queue order.
// Placeholders stay behind.
func (c *Container) popReady() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ready []Item
	kept := c.items[:0]
	for _, it := range c.items {
		if _, ok := it.(*Thinking); ok {
			kept = append(kept, it)
			continue
		}
		ready = append(ready, it)
	}
	clear(c.items[len(kept):])
	c.items = kept
	return ready
}

// Snapshot returns a copy of the queued items.
func (c *Container) Snapshot() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of queued items.
func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CountThinking returns how many placeholders carry id.
func (c *Container) CountThinking(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, it := range c.items {
		if t, ok := it.(*Thinking); ok && t.ID == id {
			n++
		}
	}
	return n
}
