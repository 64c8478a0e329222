package publisher

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBufferSize  = 32
	DefaultHistorySize = 50
)

// Subscription is a single observer of a Publisher. Events are delivered through a bounded
// buffer, when the buffer is full the oldest pending event is dropped.
type Subscription[T any] struct {
	id      string
	events  chan T
	dropped atomic.Uint64
}

func (s *Subscription[T]) ID() string {
	return s.id
}

// Events returns the delivery channel. It is closed on Unsubscribe or Close.
func (s *Subscription[T]) Events() <-chan T {
	return s.events
}

// Dropped returns how many events were discarded because the subscriber fell behind
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// offer never blocks; the caller must hold the publisher lock
func (s *Subscription[T]) offer(event T) {
	for {
		select {
		case s.events <- event:
			return
		default:
		}

		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
		}
	}
}

// Publisher fans events out to any number of subscribers without ever blocking the publisher
type Publisher[T any] struct {
	mu          sync.Mutex
	bufferSize  int
	historySize int
	subscribers map[string]*Subscription[T]
	history     []T
	closed      bool
}

func New[T any](bufferSize, historySize int) *Publisher[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if historySize < 0 {
		historySize = 0
	}
	return &Publisher[T]{
		bufferSize:  bufferSize,
		historySize: historySize,
		subscribers: make(map[string]*Subscription[T]),
	}
}

// Subscribe registers a new observer. Subscribing after Close returns a closed subscription.
func (p *Publisher[T]) Subscribe() *Subscription[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription[T]{
		id:     uuid.New().String(),
		events: make(chan T, p.bufferSize),
	}
	if p.closed {
		close(sub.events)
		return sub
	}

	p.subscribers[sub.id] = sub
	log.Debugf("subscriber %s registered", sub.id)
	return sub
}

// Unsubscribe removes the subscription and closes its channel
func (p *Publisher[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subscribers[sub.id]; !ok {
		return
	}
	delete(p.subscribers, sub.id)
	close(sub.events)
	log.Debugf("subscriber %s removed, dropped events: %d", sub.id, sub.Dropped())
}

// Publish delivers event to every subscriber and returns the number of subscribers reached
func (p *Publisher[T]) Publish(event T) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}

	if p.historySize > 0 {
		p.history = append(p.history, event)
		if len(p.history) > p.historySize {
			p.history = p.history[len(p.history)-p.historySize:]
		}
	}

	for _, sub := range p.subscribers {
		sub.offer(event)
	}
	return len(p.subscribers)
}

// History returns the most recent events, oldest first
func (p *Publisher[T]) History() []T {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.history)
}

// Close closes all subscriptions. Later publishes are discarded.
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subscribers {
		close(sub.events)
		delete(p.subscribers, id)
	}
}
