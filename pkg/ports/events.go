package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/materlab/kiln/pkg/domain"
)

// Bus topics.
const (
	// TopicWorkflowEvents carries observable state changes for operators
	// and the live stream.
	TopicWorkflowEvents = "workflow.events"
	// TopicCompletionSignals carries job state observations into the
	// worker pool. Webhook and poller publish here identically.
	TopicCompletionSignals = "completion.signals"
)

// Event is the envelope carried on the bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes one event. Returning an error leaves the event
// unacknowledged on backends that track delivery.
type EventHandler func(ctx context.Context, event Event) error

// EventBus is a topic-based publish/subscribe transport.
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// NewWorkflowEvent wraps a workflow event for the bus.
func NewWorkflowEvent(ev *domain.WorkflowEvent) (Event, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal workflow event: %w", err)
	}
	return Event{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Payload:   payload,
	}, nil
}

// NewSignalEvent wraps a completion signal for the bus.
func NewSignalEvent(sig *domain.CompletionSignal) (Event, error) {
	payload, err := json.Marshal(sig)
	if err != nil {
		return Event{}, fmt.Errorf("marshal completion signal: %w", err)
	}
	return Event{
		ID:        sig.ID,
		Type:      "completion.signal",
		Timestamp: sig.ObservedAt,
		Payload:   payload,
	}, nil
}

// WorkflowEvent decodes the payload as a workflow event.
func (e Event) WorkflowEvent() (*domain.WorkflowEvent, error) {
	var ev domain.WorkflowEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal workflow event: %w", err)
	}
	return &ev, nil
}

// CompletionSignal decodes the payload as a completion signal.
func (e Event) CompletionSignal() (*domain.CompletionSignal, error) {
	var sig domain.CompletionSignal
	if err := json.Unmarshal(e.Payload, &sig); err != nil {
		return nil, fmt.Errorf("unmarshal completion signal: %w", err)
	}
	return &sig, nil
}
