package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/paygridlabs/paygrid/logger"
)

type Event struct {
	Event      string      `json:"event"`
	Properties interface{} `json:"properties,omitempty"`
}

type EventSubscriber interface {
	ConsumeEvent(ctx context.Context, event *Event, globalProperties map[string]interface{})
}

type EventPublisher interface {
	RegisterSubscriber(subscriber EventSubscriber)
	RemoveSubscriber(subscriber EventSubscriber)
	Publish(event *Event)
	PublishSync(event *Event)
	SetGlobalProperty(key string, value interface{})
}

type eventPublisher struct {
	listeners        []EventSubscriber
	subscriberMtx    sync.Mutex
	globalProperties map[string]interface{}
}

func NewEventPublisher() *eventPublisher {
	eventPublisher := &eventPublisher{
		listeners:        []EventSubscriber{},
		globalProperties: map[string]interface{}{},
	}
	return eventPublisher
}

func (ep *eventPublisher) RegisterSubscriber(subscriber EventSubscriber) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()
	ep.listeners = append(ep.listeners, subscriber)
}

func (ep *eventPublisher) RemoveSubscriber(subscriberToRemove EventSubscriber) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()

	ep.listeners = slices.DeleteFunc(ep.listeners, func(subscriber EventSubscriber) bool {
		return subscriber == subscriberToRemove
	})
}

func (ep *eventPublisher) Publish(event *Event) {
	ep.publish(event, false)
}

func (ep *eventPublisher) PublishSync(event *Event) {
	ep.publish(event, true)
}

func (ep *eventPublisher) publish(event *Event, wait bool) {
	ep.subscriberMtx.Lock()
	// copy the list of listeners so a subscriber can remove itself
	// from within its ConsumeEvent
	listeners := make([]EventSubscriber, len(ep.listeners))
	copy(listeners, ep.listeners)
	globalProperties := ep.globalProperties
	ep.subscriberMtx.Unlock()

	logger.Logger.Debug().Interface("event", event).Msg("Publishing event")

	var wg sync.WaitGroup
	for _, listener := range listeners {
		wg.Add(1)
		go func(listener EventSubscriber) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			listener.ConsumeEvent(ctx, event, globalProperties)
		}(listener)
	}
	if wait {
		wg.Wait()
	}
}

func (ep *eventPublisher) SetGlobalProperty(key string, value interface{}) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()
	ep.globalProperties[key] = value
}
