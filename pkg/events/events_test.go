package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeLifecycleEventValues(t *testing.T) {
	// Wire values consumed by external subscribers.
	assert.Equal(t, EventType("node.registered"), EventNodeRegistered)
	assert.Equal(t, EventType("node.unregistered"), EventNodeUnregistered)
	assert.Equal(t, EventType("node.unhealthy"), EventNodeUnhealthy)
	assert.Equal(t, EventType("node.recovered"), EventNodeRecovered)
}

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventNodeRegistered, NodeID: "node-1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventNodeRegistered, ev.Type)
			assert.Equal(t, "node-1", ev.NodeID)
			assert.False(t, ev.Timestamp.IsZero(), "Publish stamps events")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe is safe.
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	// Fill far past the subscriber buffer without draining.
	for i := 0; i < 300; i++ {
		b.Publish(&Event{Type: EventTaskRouted})
	}

	// The publisher never blocked; some events were simply dropped.
	received := 0
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case <-sub:
			received++
		case <-timeout:
			break drain
		default:
			if received > 0 {
				break drain
			}
		}
	}
	assert.Greater(t, received, 0)
	assert.Less(t, received, 300)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Type: EventTaskRouted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}
