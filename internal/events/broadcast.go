// ABOUTME: Generic bounded fan-out broadcaster with drop-oldest overflow.
// ABOUTME: Each subscriber owns an independent buffer; slow readers lose oldest first.

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscriber buffer when callers pass 0.
const DefaultBufferSize = 64

// subscriber pairs a channel with the lock that serializes send/close.
type subscriber[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// send delivers v, evicting the oldest buffered element when the buffer
// is full. Returns true when an eviction happened.
func (s *subscriber[T]) send(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	dropped := false
	for {
		select {
		case s.ch <- v:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster fans values out to all current subscribers. Publishing
// never blocks on a slow reader: when a subscriber's buffer is full, the
// oldest buffered value is dropped to make room for the newest.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber[T]
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster with the given per-subscriber
// buffer size (0 means DefaultBufferSize). Pass nil logger for default.
func NewBroadcaster[T any](logger *slog.Logger, buffer int) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = DefaultBufferSize
	}
	return &Broadcaster[T]{
		subs:   make(map[string]*subscriber[T]),
		buffer: buffer,
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a new subscriber and returns its channel and ID.
// The subscription is automatically removed when ctx is cancelled. After
// Close, the returned channel is already closed.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, string) {
	subID := uuid.New().String()
	sub := &subscriber[T]{ch: make(chan T, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, subID
	}
	b.subs[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish delivers v to every subscriber, evicting each full buffer's
// oldest entry. Returns the number of subscribers that lost an event.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	targets := make([]*subscriber[T], 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	evicted := 0
	for _, sub := range targets {
		if sub.send(v) {
			evicted++
		}
	}
	if evicted > 0 {
		b.logger.Debug("dropped oldest events for slow subscribers", "count", evicted)
	}
	return evicted
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(subID string) {
	b.mu.Lock()
	sub, ok := b.subs[subID]
	if ok {
		delete(b.subs, subID)
	}
	b.mu.Unlock()

	if ok {
		sub.close()
		b.logger.Debug("subscriber removed", "sub_id", subID)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the broadcaster and closes all subscriber channels.
// Later Subscribe calls receive an already-closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriber[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.logger.Debug("broadcaster closed")
}
