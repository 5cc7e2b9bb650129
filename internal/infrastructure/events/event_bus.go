package events

import (
	"context"
	"sync"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"

	"go.uber.org/zap"
)

// Mirror receives every locally published event, e.g. to forward it to
// other instances. Mirror must not block.
type Mirror interface {
	Mirror(ctx context.Context, event domain.Event)
}

// Bus is the in-process publish/subscribe hub. Each subscriber owns a
// buffered channel. Publish never waits on a full channel of an ordinary
// subscriber and drops the event for that subscriber instead; blocking
// subscribers (see SubscribeBlocking) are waited on until they have room.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once

	defaultBuffer int
	mirror        Mirror
	onDrop        func(subscriber string, t domain.EventType)
	logger        *zap.SugaredLogger
}

type Option func(*Bus)

func WithMirror(m Mirror) Option {
	return func(b *Bus) { b.mirror = m }
}

// WithDropHook is called once for every event dropped on a full subscriber.
func WithDropHook(fn func(subscriber string, t domain.EventType)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

func NewBus(defaultBuffer int, logger *zap.SugaredLogger, opts ...Option) *Bus {
	if defaultBuffer <= 0 {
		defaultBuffer = 64
	}
	b := &Bus{
		subs:          make(map[uint64]*subscription),
		done:          make(chan struct{}),
		defaultBuffer: defaultBuffer,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ ports.EventBus = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.PublishLocal(event)
	if b.mirror != nil {
		b.mirror.Mirror(ctx, event)
	}
}

// PublishLocal delivers to local subscribers only.
func (b *Bus) PublishLocal(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		if sub.blocking {
			select {
			case sub.ch <- event:
			case <-sub.closed:
			case <-b.done:
			}
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debugw("dropping event for slow subscriber",
				"subscriber", sub.name,
				"type", event.Type,
			)
			if b.onDrop != nil {
				b.onDrop(sub.name, event.Type)
			}
		}
	}
}

// Subscribe registers a subscriber for the given types (all types when none
// are given) with the default buffer size.
func (b *Bus) Subscribe(name string, types ...domain.EventType) ports.Subscription {
	return b.SubscribeBuffered(name, b.defaultBuffer, types...)
}

func (b *Bus) SubscribeBuffered(name string, buffer int, types ...domain.EventType) ports.Subscription {
	return b.subscribe(name, buffer, false, types)
}

// SubscribeBlocking registers a subscriber that never loses events: Publish
// waits for room in its buffer until the subscription or the bus is closed.
// Use it for consumers whose handling mutates state, and never publish to a
// blocking subscriber from the goroutine that drains it.
func (b *Bus) SubscribeBlocking(name string, buffer int, types ...domain.EventType) ports.Subscription {
	return b.subscribe(name, buffer, true, types)
}

func (b *Bus) subscribe(name string, buffer int, blocking bool, types []domain.EventType) *subscription {
	if buffer <= 0 {
		buffer = b.defaultBuffer
	}
	sub := &subscription{
		bus:      b,
		name:     name,
		ch:       make(chan domain.Event, buffer),
		closed:   make(chan struct{}),
		blocking: blocking,
	}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debugw("subscriber added", "subscriber", name, "buffer", buffer, "blocking", blocking)
	return sub
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and releases publishers waiting on a
// blocking subscriber.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

type subscription struct {
	bus   *Bus
	id    uint64
	name  string
	types map[domain.EventType]struct{}
	ch    chan domain.Event
	once  sync.Once

	blocking bool
	closed   chan struct{}
}

func (s *subscription) wants(t domain.EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *subscription) Events() <-chan domain.Event {
	return s.ch
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.bus.remove(s)
	})
}
