// Package bus is the in-process publish/subscribe channel between the
// scheduler core and its consumers (local API, tray, NATS bridge). Events
// carry immutable values; a slow consumer loses oldest events rather than
// blocking publishers, so the latest state always gets through.
package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Event pairs a topic with its payload.
type Event struct {
	Topic   string
	Payload any
}

const subscriptionBuffer = 64

// Bus fans events out to subscribers. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uuid.UUID]*Subscription
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[uuid.UUID]*Subscription)}
}

// Subscription is one consumer's view of the bus. Close is idempotent and
// must be called when the consumer is done.
type Subscription struct {
	bus    *Bus
	id     uuid.UUID
	topics []string
	ch     chan Event
	once   sync.Once
}

// C returns the event channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for _, topic := range s.topics {
			delete(s.bus.subs[topic], s.id)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers for the given topics. With no topics it receives
// everything.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	if len(topics) == 0 {
		topics = []string{TopicUsageUpdate, TopicSessionStatus, TopicSchedulerStatus, TopicUsageReset, TopicSystemWake}
	}
	sub := &Subscription{
		bus:    b,
		id:     uuid.New(),
		topics: topics,
		ch:     make(chan Event, subscriptionBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	for _, topic := range topics {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[uuid.UUID]*Subscription)
		}
		b.subs[topic][sub.id] = sub
	}
	return sub
}

// Publish delivers the event to every subscriber of the topic without
// blocking: when a subscriber's buffer is full the oldest event is dropped
// to make room.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		ev := Event{Topic: topic, Payload: payload}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: shed the oldest event and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the bus down and closes all subscription channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[uuid.UUID]bool)
	var all []*Subscription
	for _, subs := range b.subs {
		for id, sub := range subs {
			if !seen[id] {
				seen[id] = true
				all = append(all, sub)
			}
		}
	}
	b.subs = make(map[string]map[uuid.UUID]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}
