package shard

import (
	"sync"
	"sync/atomic"

	"github.com/vovakirdan/shardproxy/internal/proto"
)

// Frame is one upstream frame as delivered to subscribers. Data is shared
// between subscribers and must not be modified.
type Frame struct {
	Data  []byte
	Event proto.Event
}

// Subscription receives frames published after it was created.
// C is closed when the subscription ends.
type Subscription struct {
	C <-chan Frame

	ch         chan Frame
	id         uint64
	b          *Broadcaster
	overflowed atomic.Bool
}

// Overflowed reports whether the subscription was dropped for falling behind.
func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s.id)
}

// Broadcaster fans frames out to subscribers with bounded queues.
// A subscriber whose queue is full is dropped instead of blocking the
// publisher.
type Broadcaster struct {
	size int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBroadcaster creates a broadcaster with per-subscriber queue size.
func NewBroadcaster(size int) *Broadcaster {
	if size < 1 {
		size = 1
	}
	return &Broadcaster{size: size, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber. After Close it returns an already
// closed subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Frame, b.size)
	sub := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers f to every subscriber and returns how many were
// dropped because their queue was full.
func (b *Broadcaster) Publish(f Frame) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for id, sub := range b.subs {
		select {
		case sub.ch <- f:
		default:
			sub.overflowed.Store(true)
			delete(b.subs, id)
			close(sub.ch)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}
