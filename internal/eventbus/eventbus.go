// Package eventbus is the in-process publish/subscribe mechanism used by the
// workflow runner and the robot manager to broadcast lifecycle events.
//
// Design: unlike a websocket.Hub (which serialises registration
// through a single event-loop goroutine and fans out to network clients),
// this bus delivers synchronously on the publisher's own goroutine — the
// spec requires publish to be synchronous so subscribers observe a strict
// publish order (spec §5, "Ordering guarantees"). A single RWMutex guards
// the subscriber map; Publish takes the read lock only long enough to copy
// the handler slice, then invokes handlers outside the lock so a slow or
// re-entrant handler cannot deadlock a concurrent Subscribe/Unsubscribe.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/values"
)

// Handler receives a published event. Handlers must not assume isolation
// from sibling handlers registered for the same event type — delivery is
// synchronous and in registration order.
type Handler func(values.Event)

// Handle is an opaque token returned by Subscribe, used to Unsubscribe later.
type Handle struct {
	eventType values.EventType
	seq       uint64
}

type subscription struct {
	seq     uint64
	handler Handler
}

// Bus is a thread-safe, synchronous, in-process event bus.
// The zero value is not usable — create instances with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[values.EventType][]subscription
	nextSeq uint64
	logger *zap.Logger
}

// New creates an idle Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[values.EventType][]subscription),
		logger: logger.Named("eventbus"),
	}
}

// Subscribe registers handler to be called for every event of type t,
// in the order handlers were registered. Returns a Handle for Unsubscribe.
func (b *Bus) Subscribe(t values.EventType, handler Handler) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	seq := b.nextSeq
	b.subs[t] = append(b.subs[t], subscription{seq: seq, handler: handler})
	return Handle{eventType: t, seq: seq}
}

// Unsubscribe removes the handler identified by h. A no-op if it was already
// removed or never existed.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[h.eventType]
	for i, s := range subs {
		if s.seq == h.seq {
			b.subs[h.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every subscriber of event.Type, synchronously,
// in registration order, on the calling goroutine. A handler that panics is
// recovered and logged; it does not abort delivery to subsequent handlers.
func (b *Bus) Publish(event values.Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[event.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s.handler, event)
	}
}

// invoke calls handler and recovers from any panic, logging it as an error
// so one misbehaving subscriber never aborts delivery to its siblings.
func (b *Bus) invoke(handler Handler, event values.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.Any("event_type", event.Type),
				zap.Any("recovered", r),
			)
		}
	}()
	handler(event)
}

// HandlerCount returns the number of subscribers currently registered for t.
func (b *Bus) HandlerCount(t values.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
