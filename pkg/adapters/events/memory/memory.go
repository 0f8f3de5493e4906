package memory

import (
	"context"
	"sync"

	"github.com/materlab/kiln/pkg/ports"
)

type subscription struct {
	id      int
	handler ports.EventHandler
}

// EventBus implements ports.EventBus with in-process handlers.
// Delivery is synchronous and in subscription order so tests observe
// effects deterministically. This is for testing and single-process
// development only.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	nextID      int
}

// NewEventBus creates a new in-memory event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]subscription),
	}
}

// Publish delivers the event to every subscriber of the topic. The
// first handler error aborts delivery and is returned to the publisher.
func (e *EventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	e.mu.RLock()
	subs := make([]subscription, len(e.subscribers[topic]))
	copy(subs, e.subscribers[topic])
	e.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for a topic until ctx is canceled.
func (e *EventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers[topic] = append(e.subscribers[topic], subscription{id: id, handler: handler})
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(topic, id)
	}()

	return nil
}

// Unsubscribe removes all subscriptions from a topic.
func (e *EventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subscribers, topic)
	return nil
}

// Close drops all subscribers.
func (e *EventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[string][]subscription)
	return nil
}

func (e *EventBus) remove(topic string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			e.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
