package events

import (
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskRouted       EventType = "task.routed"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventTaskQueued       EventType = "task.queued"
	EventNodeRegistered   EventType = "node.registered"
	EventNodeUnregistered EventType = "node.unregistered"
	EventNodeUnhealthy    EventType = "node.unhealthy"
	EventNodeRecovered    EventType = "node.recovered"
	EventBottleneckAlert  EventType = "bottleneck.alert"
	EventConnState        EventType = "connection.state"
	EventHealthReport     EventType = "health.report"
)

// Event represents a coordination event pushed to subscribers. Exactly one
// of the payload fields is set depending on Type.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	NodeID    string
	Message   string

	Flow        *types.TaskFlowEvent // task.* events
	Bottlenecks []*types.Bottleneck  // bottleneck.alert
	ConnState   string               // connection.state
	HealthScore float64              // health.report
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. It is the boundary
// to external pub/sub sinks: subscribers drain their channels; a slow
// subscriber loses events rather than blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
