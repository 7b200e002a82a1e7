package events

import (
	"sync"
	"time"
)

// Lifecycle event types published by the orchestrator and rollback manager.
const (
	DeploymentCreated   = "deployment.created"
	DeploymentStarted   = "deployment.started"
	DeploymentStep      = "deployment.step.completed"
	DeploymentCompleted = "deployment.completed"
	DeploymentFailed    = "deployment.failed"
	DeploymentCancelled = "deployment.cancelled"
	RollbackCreated     = "rollback.created"
	RollbackCompleted   = "rollback.completed"
	RollbackFailed      = "rollback.failed"
)

// Event is one lifecycle message. Consumers must treat it as immutable.
type Event struct {
	Type         string    `json:"type"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	RollbackID   string    `json:"rollbackId,omitempty"`
	Repository   string    `json:"repository,omitempty"`
	Step         string    `json:"step,omitempty"`
	StepStatus   string    `json:"stepStatus,omitempty"`
	State        string    `json:"state,omitempty"`
	Message      string    `json:"message,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Bus fans lifecycle events out to subscribers. Delivery is best-effort: a
// subscriber whose buffer is full misses the event rather than blocking the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
	closed bool
}

// NewBus creates a Bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer and returns its channel.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers the event to all current subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
