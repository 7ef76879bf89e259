package ptysession

import "sync/atomic"

// subscriberBufferSize bounds the per-subscriber event queue. A
// subscriber that cannot keep up does not block the reader task; it
// instead accumulates a lag count and is expected to request a fresh
// Snapshot to resynchronize.
const subscriberBufferSize = 256

// subscriber is one broadcast recipient: a buffered channel plus a lag
// counter incremented whenever a publish finds the channel full.
type subscriber struct {
	id     ViewerID
	events chan Event
	lagged atomic.Uint64
}

// broadcaster fans Events out to every live subscriber without ever
// blocking the publisher.
type broadcaster struct {
	subs map[ViewerID]*subscriber
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[ViewerID]*subscriber)}
}

// subscribe registers a new subscriber and returns its event stream.
func (b *broadcaster) subscribe(id ViewerID) *subscriber {
	sub := &subscriber{id: id, events: make(chan Event, subscriberBufferSize)}
	b.subs[id] = sub
	return sub
}

// unsubscribe removes a subscriber and closes its channel.
func (b *broadcaster) unsubscribe(id ViewerID) {
	if sub, ok := b.subs[id]; ok {
		close(sub.events)
		delete(b.subs, id)
	}
}

// publish fans an event out to every subscriber, never blocking.
func (b *broadcaster) publish(ev Event) {
	for _, sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			sub.lagged.Add(1)
		}
	}
}

// Lagged returns and resets the number of events this subscriber has
// missed since the last call.
func (s *subscriber) Lagged() uint64 {
	return s.lagged.Swap(0)
}

// Events returns the subscriber's event stream.
func (s *subscriber) Events() <-chan Event {
	return s.events
}
