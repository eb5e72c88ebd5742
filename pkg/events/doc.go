/*
Package events implements the event broker that fans coordination events
out to subscribers.

The broker replaces callback hooks: components publish task-flow events,
bottleneck alerts, node lifecycle changes, and connection state changes to
the broker, and interested parties (health monitor, external event sinks)
drain their own subscription channel. Publishing never blocks: a subscriber
whose buffer is full misses the event.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			// forward to pub/sub sink
		}
	}()
*/
package events
