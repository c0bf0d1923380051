package core

import (
	"sort"
	"sync"
	"sync/atomic"

	"chemlab/pkg/domain"
)

// EventHandler receives published events synchronously.
type EventHandler func(domain.Event)

// EventBus fans engine events out to subscribers. Handlers run on the
// publishing goroutine in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]EventHandler
	dropped  atomic.Uint64
	logger   Logger
}

// NewEventBus constructs an empty bus. A nil logger disables logging.
func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = noopLogger{}
	}
	return &EventBus{handlers: make(map[int]EventHandler), logger: logger}
}

// Subscribe registers handler and returns a function that removes it.
func (b *EventBus) Subscribe(handler EventHandler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every current subscriber. A panicking handler is
// logged and does not prevent delivery to the others.
func (b *EventBus) Publish(ev domain.Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *EventBus) deliver(h EventHandler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Type, "instance_id", ev.InstanceID, "panic", r)
		}
	}()
	h(ev)
}

// Channel returns a buffered channel fed by the bus for hosts that poll.
// Events are dropped when the buffer is full. The returned cancel function
// unsubscribes and closes the channel.
func (b *EventBus) Channel(buffer int) (<-chan domain.Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan domain.Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := b.Subscribe(func(ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	})
	return ch, func() {
		unsubscribe()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

// Dropped reports how many events were discarded by full channel subscribers.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of registered handlers.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
