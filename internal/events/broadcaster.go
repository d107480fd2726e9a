package events

import (
	"sync"
	"sync/atomic"

	"github.com/sprintd/sprintd/internal/common/logger"
)

// Publisher is the write side of the event stream. Components that only
// emit events depend on this instead of the full broadcaster.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops every event. Useful in tests.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Subscription is one observer's ordered view of the event stream. When the
// subscriber falls behind, the oldest buffered events are dropped; the
// stream never blocks publishers.
type Subscription struct {
	ch     chan Event
	b      *Broadcaster
	closed bool
}

// Events returns the receive channel. It is closed when the subscription or
// the broadcaster shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster fans events out to all subscribers. Publishing preserves the
// caller's ordering for every subscriber; slow subscribers lose their oldest
// buffered events rather than stalling the publisher.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped int64
	log     *logger.Logger
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		subs: make(map[*Subscription]struct{}),
		log:  log.WithComponent("events"),
	}
}

// Subscribe registers a new subscriber with the given buffer capacity.
// Zero or negative selects DefaultBuffer.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{ch: make(chan Event, buffer), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber. It never blocks: when a
// subscriber's buffer is full the oldest event is discarded to make room.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
				atomic.AddInt64(&b.dropped, 1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				atomic.AddInt64(&b.dropped, 1)
			}
		}
	}
}

// Dropped returns the number of events discarded due to slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close shuts down the broadcaster and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
	}
	b.subs = make(map[*Subscription]struct{})
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	if !sub.closed {
		close(sub.ch)
		sub.closed = true
	}
}
