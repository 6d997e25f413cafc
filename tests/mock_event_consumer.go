package tests

import (
	"context"
	"sync"

	"github.com/paygridlabs/paygrid/events"
)

type mockEventConsumer struct {
	mu             sync.Mutex
	consumedEvents []*events.Event
}

func NewMockEventConsumer() *mockEventConsumer {
	return &mockEventConsumer{}
}

func (c *mockEventConsumer) ConsumeEvent(ctx context.Context, event *events.Event, globalProperties map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumedEvents = append(c.consumedEvents, event)
}

func (c *mockEventConsumer) GetConsumedEvents() []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*events.Event{}, c.consumedEvents...)
}

func (c *mockEventConsumer) CountConsumed(eventName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, event := range c.consumedEvents {
		if event.Event == eventName {
			count++
		}
	}
	return count
}
