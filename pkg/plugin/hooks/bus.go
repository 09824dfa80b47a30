package hooks

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type Listener func(Event)

type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type subscription struct {
	id       uint64
	listener Listener
}

// Bus delivers events synchronously to listeners in subscription order.
// A panicking listener is logged and skipped.
type Bus struct {
	listeners cmap.ConcurrentMap[string, []subscription]
	nextID    atomic.Uint64
	logger    Logger
}

func NewBus(logger Logger) *Bus {
	return &Bus{
		listeners: cmap.New[[]subscription](),
		logger:    logger,
	}
}

// Subscribe registers l for eventType, or for every event with EventAny.
// The returned function removes the subscription.
func (b *Bus) Subscribe(eventType EventType, l Listener) (unsubscribe func()) {
	id := b.nextID.Add(1)
	sub := subscription{id: id, listener: l}
	b.listeners.Upsert(string(eventType), nil, func(exist bool, current []subscription, _ []subscription) []subscription {
		next := make([]subscription, 0, len(current)+1)
		next = append(next, current...)
		return append(next, sub)
	})
	return func() { b.unsubscribe(eventType, id) }
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.listeners.Upsert(string(eventType), nil, func(exist bool, current []subscription, _ []subscription) []subscription {
		next := make([]subscription, 0, len(current))
		for _, s := range current {
			if s.id != id {
				next = append(next, s)
			}
		}
		return next
	})
}

func (b *Bus) Emit(e Event) {
	specific, _ := b.listeners.Get(string(e.Type))
	wildcard, _ := b.listeners.Get(string(EventAny))

	for _, s := range specific {
		b.deliver(s, e)
	}
	for _, s := range wildcard {
		b.deliver(s, e)
	}
}

// ListenerCount reports the listeners registered for eventType.
func (b *Bus) ListenerCount(eventType EventType) int {
	subs, _ := b.listeners.Get(string(eventType))
	return len(subs)
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"event", e.Type,
				"plugin", e.PluginID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	s.listener(e)
}
