package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/shared/metrics"
)

// DefaultBufferSize is the per-subscriber channel depth before shedding
// begins.
const DefaultBufferSize = 256

// Handler is invoked inline during Publish, in registration order. Handlers
// must return quickly; anything slow belongs on a Subscription channel.
type Handler func(Event)

// Subscription is a buffered channel feed of matching events. A slow
// consumer sheds its oldest buffered events rather than blocking
// publishers, so consumers must tolerate gaps.
type Subscription struct {
	ID     string
	C      <-chan Event
	ch     chan Event
	topics map[Topic]struct{}
	bus    *Bus

	mu     sync.Mutex
	closed bool
}

// Matches reports whether the subscription wants events of the topic.
func (s *Subscription) Matches(t Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

// send enqueues without blocking. A full buffer sheds the oldest event to
// make room; if a racing consumer refills the buffer, the new event is
// shed instead. Returns the events dropped, if any.
func (s *Subscription) send(event Event) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	select {
	case s.ch <- event:
		return nil
	default:
	}

	var shed []Event
	select {
	case old := <-s.ch:
		shed = append(shed, old)
	default:
	}

	select {
	case s.ch <- event:
		return shed
	default:
		return append(shed, event)
	}
}

func (s *Subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Unsubscribe detaches from the bus and closes the channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.ID)
	s.closeChannel()
}

type registeredHandler struct {
	fn     Handler
	topics map[Topic]struct{}
}

func (h registeredHandler) matches(t Topic) bool {
	if len(h.topics) == 0 {
		return true
	}
	_, ok := h.topics[t]
	return ok
}

// Bus is the in-process event fan-out. Publishing never blocks: each
// subscriber has a bounded buffer with drop-oldest shedding, and handlers
// run inline under a panic guard. Per-subscriber delivery order equals
// publish order.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	handlers []registeredHandler
	bufSize  int
	closed   bool

	log     logger.Logger
	metrics *metrics.Kernel
}

// NewBus creates an event bus with the default subscriber buffer size.
func NewBus(log logger.Logger, m *metrics.Kernel) *Bus {
	return NewBusWithBuffer(log, m, DefaultBufferSize)
}

// NewBusWithBuffer creates an event bus with a custom subscriber buffer
// size. Tests use tiny buffers to exercise shedding.
func NewBusWithBuffer(log logger.Logger, m *metrics.Kernel, bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
		log:     log,
		metrics: m,
	}
}

// Publish stamps and delivers the event. Missing envelope fields (id,
// version, timestamp) are filled in; identity fields are the caller's.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Version == 0 {
		event.Version = SchemaVersion
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.Matches(event.Type) {
			subs = append(subs, s)
		}
	}
	handlers := make([]registeredHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		if h.matches(event.Type) {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	b.metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	for _, s := range subs {
		for _, dropped := range s.send(event) {
			b.shed(s, dropped)
		}
	}
	for _, h := range handlers {
		b.invoke(h.fn, event)
	}
}

func (b *Bus) shed(s *Subscription, event Event) {
	b.metrics.EventsShed.WithLabelValues(string(event.Type)).Inc()
	b.log.Warn("subscriber buffer full, shedding event",
		logger.String("subscription_id", s.ID),
		logger.String("topic", string(event.Type)),
		logger.String("event_id", event.ID),
	)
}

func (b *Bus) invoke(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				logger.String("topic", string(event.Type)),
				logger.Any("panic", r),
			)
		}
	}()
	fn(event)
}

// Subscribe returns a channel feed of the given topics. No topics means
// all topics.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		ID:  uuid.New().String(),
		ch:  make(chan Event, b.bufSize),
		bus: b,
	}
	sub.C = sub.ch
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChannel()
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// RegisterHandler attaches an inline handler for the given topics. No
// topics means all topics.
func (b *Bus) RegisterHandler(fn Handler, topics ...Topic) {
	h := registeredHandler{fn: fn}
	if len(topics) > 0 {
		h.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			h.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.handlers = append(b.handlers, h)
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// SubscriberCount reports attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops delivery and closes every subscription channel. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.closed = true
	b.handlers = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.closeChannel()
	}
}
