package events

import (
	"context"
	"sync"
)

// Capture records published events in memory
type Capture struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Capture)(nil)

// NewCapture creates an empty capture sink
func NewCapture() *Capture {
	return &Capture{}
}

// Publish implements Publisher
func (c *Capture) Publish(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Events returns a copy of everything published so far
func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the published events with the given type
func (c *Capture) OfType(eventType string) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets every captured event
func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
