// Package events provides the in-process topic bus skills use to observe
// each other without direct references. Delivery is best-effort and
// in-memory only: a subscriber that registers late never sees earlier
// events.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is an immutable domain signal published by a skill.
type Event struct {
	// ID uniquely identifies the event instance.
	ID string `json:"id"`

	// Kind is the topic key, e.g. "report.ready".
	Kind string `json:"kind"`

	// Source is the name of the producing skill.
	Source string `json:"source"`

	// Payload carries kind-specific fields.
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp records when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// New builds an Event with a fresh id and the current time.
func New(kind, source string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler consumes one event. Handlers for a single subscription run
// serially in registration order of arrival; a panic is logged and does not
// take the bus down.
type Handler func(Event)

const defaultBuffer = 64

// Bus is a small in-process pub/sub bus. Publish never blocks: each
// subscription drains a bounded buffer on its own goroutine, and events that
// arrive while the buffer is full are dropped with a warning.
type Bus struct {
	mu     sync.Mutex
	byKind map[string][]*Subscription
	all    []*Subscription
	logger *zap.Logger
	buffer int
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a Bus. A nil logger falls back to zap.NewNop.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		byKind: make(map[string][]*Subscription),
		logger: logger,
		buffer: defaultBuffer,
	}
}

// Subscription is one registered handler and its delivery queue.
type Subscription struct {
	name    string
	kinds   []string
	ch      chan Event
	handler Handler
	bus     *Bus
	once    sync.Once
}

// Subscribe registers handler for the given kinds. With no kinds the handler
// receives every event. The name identifies the subscriber in logs.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...string) *Subscription {
	sub := &Subscription{
		name:    name,
		kinds:   kinds,
		ch:      make(chan Event, b.buffer),
		handler: handler,
		bus:     b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	if len(kinds) == 0 {
		b.all = append(b.all, sub)
	} else {
		for _, k := range kinds {
			b.byKind[k] = append(b.byKind[k], sub)
		}
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.drain()
	return sub
}

// Unsubscribe removes the subscription and closes its queue. Events already
// queued are still delivered.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		for _, k := range s.kinds {
			b.byKind[k] = removeSub(b.byKind[k], s)
		}
		b.all = removeSub(b.all, s)
		b.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) drain() {
	defer s.bus.wg.Done()
	for ev := range s.ch {
		s.invoke(ev)
	}
}

func (s *Subscription) invoke(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("event handler panicked",
				zap.String("subscriber", s.name),
				zap.String("kind", ev.Kind),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// Publish delivers ev to every matching subscription without blocking. When
// a subscription's buffer is full the event is dropped for that subscriber
// and a warning is logged.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.byKind[ev.Kind] {
		b.send(sub, ev)
	}
	for _, sub := range b.all {
		b.send(sub, ev)
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(kind, source string, payload map[string]any) {
	b.Publish(New(kind, source, payload))
}

func (b *Bus) send(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		b.logger.Warn("event dropped, subscriber buffer full",
			zap.String("subscriber", sub.name),
			zap.String("kind", ev.Kind))
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[*Subscription]bool)
	for _, subs := range b.byKind {
		for _, s := range subs {
			seen[s] = true
		}
	}
	for _, s := range b.all {
		seen[s] = true
	}
	return len(seen)
}

// Close stops accepting publishes, closes every queue, and waits for queued
// events to finish delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[*Subscription]bool)
	for _, subs := range b.byKind {
		for _, s := range subs {
			seen[s] = true
		}
	}
	for _, s := range b.all {
		seen[s] = true
	}
	b.byKind = make(map[string][]*Subscription)
	b.all = nil
	b.mu.Unlock()

	for s := range seen {
		s.once.Do(func() { close(s.ch) })
	}
	b.wg.Wait()
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	filtered := subs[:0]
	for _, s := range subs {
		if s != target {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
