// Package stream provides the bounded, replay-free message stream fed by the
// transport's receive loop.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/orchestra-mcp/chatsocket/src/types"
)

// ErrEnded is returned by Next once the stream has ended and the
// subscription's buffer is drained.
var ErrEnded = errors.New("stream ended")

// Stream fans messages out to its subscriptions. Each subscription buffers up
// to the stream's capacity; on overflow the oldest buffered message is
// dropped. Subscriptions only see messages published after they subscribe.
type Stream struct {
	capacity int
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	ended    bool
}

// New creates a stream whose subscriptions buffer capacity messages.
func New(capacity int) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	return &Stream{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Capacity returns the per-subscription buffer size.
func (s *Stream) Capacity() int { return s.capacity }

// Subscribe registers a new listener. Subscribing to an ended stream returns
// a subscription that is already ended.
func (s *Stream) Subscribe() *Subscription {
	sub := &Subscription{
		stream: s,
		ring:   make([]types.ChatMessage, s.capacity),
		notify: make(chan struct{}, 1),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		sub.ended = true
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Publish delivers msg to every subscription and returns how many buffered
// messages were evicted to make room.
func (s *Stream) Publish(msg types.ChatMessage) int {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return 0
	}
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		if sub.push(msg) {
			dropped++
		}
	}
	return dropped
}

// End marks the stream finished. Buffered messages remain readable.
func (s *Stream) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.end()
	}
}

// Ended reports whether End has been called.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Stream) remove(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is one listener's view of a Stream.
type Subscription struct {
	stream *Stream

	mu      sync.Mutex
	ring    []types.ChatMessage
	head    int
	size    int
	ended   bool
	dropped uint64
	notify  chan struct{}
}

// Next returns the oldest buffered message, blocking while the buffer is
// empty. It returns ErrEnded once the stream ended and nothing is buffered.
func (sub *Subscription) Next(ctx context.Context) (types.ChatMessage, error) {
	for {
		sub.mu.Lock()
		if sub.size > 0 {
			msg := sub.ring[sub.head]
			sub.ring[sub.head] = types.ChatMessage{}
			sub.head = (sub.head + 1) % len(sub.ring)
			sub.size--
			sub.mu.Unlock()
			return msg, nil
		}
		if sub.ended {
			sub.mu.Unlock()
			return types.ChatMessage{}, ErrEnded
		}
		sub.mu.Unlock()

		select {
		case <-sub.notify:
		case <-ctx.Done():
			return types.ChatMessage{}, ctx.Err()
		}
	}
}

// Len returns the number of buffered messages.
func (sub *Subscription) Len() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.size
}

// Dropped returns how many messages were evicted from this subscription.
func (sub *Subscription) Dropped() uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// Close detaches the subscription from its stream and discards its buffer.
func (sub *Subscription) Close() {
	sub.stream.remove(sub)
	sub.mu.Lock()
	sub.size = 0
	sub.ended = true
	sub.mu.Unlock()
	sub.wake()
}

func (sub *Subscription) push(msg types.ChatMessage) (evicted bool) {
	sub.mu.Lock()
	if sub.ended {
		sub.mu.Unlock()
		return false
	}
	capacity := len(sub.ring)
	if sub.size == capacity {
		sub.head = (sub.head + 1) % capacity
		sub.size--
		sub.dropped++
		evicted = true
	}
	sub.ring[(sub.head+sub.size)%capacity] = msg
	sub.size++
	sub.mu.Unlock()

	sub.wake()
	return evicted
}

func (sub *Subscription) end() {
	sub.mu.Lock()
	sub.ended = true
	sub.mu.Unlock()
	sub.wake()
}

func (sub *Subscription) wake() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}
