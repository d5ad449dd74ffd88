// Package events carries typed messages between the store, the sync queue
// and the bridge. Every message type is a closed set checked at compile time.
package events

import "sync"

// DefaultBuffer is the per-subscriber capacity when none is configured.
const DefaultBuffer = 256

// Delivery is what Publish does for a subscriber whose buffer is full.
type Delivery int

const (
	// Blocking waits for room. Nothing is dropped, but a stalled reader
	// stalls every publisher.
	Blocking Delivery = iota
	// Lossy drops the value for that subscriber only.
	Lossy
	// Unbounded queues behind the buffer without limit; a forwarding
	// goroutine keeps order. For in-process consumers that must see
	// everything but must never hold up a publisher.
	Unbounded
)

type subscriber[T any] struct {
	ch       chan T
	done     chan struct{}
	once     sync.Once
	delivery Delivery

	mu      sync.Mutex
	backlog []T
	wake    chan struct{}
	dropped int
}

// Bus fans each published value out to every subscriber.
// Subscriber channels are bounded; what happens when one is full depends
// on the Delivery it subscribed with. Publishers must not hold locks that a
// Blocking subscriber needs in order to drain.
type Bus[T any] struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber[T]
	nextID   int
	buffer   int
	delivery Delivery
	closed   bool
}

// NewBus returns a bus with the given per-subscriber buffer (DefaultBuffer
// if <= 0). Subscribe uses Blocking delivery.
func NewBus[T any](buffer int) *Bus[T] {
	return newBus[T](buffer, Blocking)
}

func newBus[T any](buffer int, delivery Delivery) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{
		subs:     make(map[int]*subscriber[T]),
		buffer:   buffer,
		delivery: delivery,
	}
}

// Subscribe subscribes with the bus's default delivery.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeWith(b.delivery)
}

// SubscribeWith returns a receive channel and a cancel func. The channel is
// closed after cancel or Close. Cancel is safe to call more than once.
func (b *Bus[T]) SubscribeWith(d Delivery) (<-chan T, func()) {
	s := &subscriber[T]{
		ch:       make(chan T, b.buffer),
		done:     make(chan struct{}),
		delivery: d,
		wake:     make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	if d == Unbounded {
		// The forwarder owns the channel and closes it.
		go s.forward()
	}

	cancel := func() {
		s.once.Do(func() {
			// Unblock any Publish stuck on this subscriber before taking the write lock.
			close(s.done)
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				s.closeChannel()
			}
			b.mu.Unlock()
		})
	}
	return s.ch, cancel
}

func (s *subscriber[T]) closeChannel() {
	if s.delivery != Unbounded {
		close(s.ch)
	}
}

func (s *subscriber[T]) send(v T) {
	switch s.delivery {
	case Lossy:
		select {
		case s.ch <- v:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	case Unbounded:
		s.mu.Lock()
		s.backlog = append(s.backlog, v)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	default:
		select {
		case s.ch <- v:
		case <-s.done:
		}
	}
}

// forward moves the backlog into the channel in order until cancelled.
func (s *subscriber[T]) forward() {
	defer close(s.ch)
	var zero T
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.backlog) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.backlog[0]
			s.backlog[0] = zero
			s.backlog = s.backlog[1:]
			s.mu.Unlock()

			select {
			case s.ch <- v:
			case <-s.done:
				return
			}
		}
	}
}

// Publish delivers v to every current subscriber. No-op after Close.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.send(v)
	}
}

// Dropped returns how many values Lossy subscribers have missed in total.
func (b *Bus[T]) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		s.mu.Lock()
		n += s.dropped
		s.mu.Unlock()
	}
	return n
}

// Subscribers returns the current subscriber count.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Further publishes are dropped.
func (b *Bus[T]) Close() {
	b.mu.RLock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	// Release blocked publishers first.
	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closeChannel()
	}
}
