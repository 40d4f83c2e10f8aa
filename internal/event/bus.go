// Package event provides the delta bus carrying model changes to
// frontend subscribers, built on watermill's gochannel.
package event

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/claude-island/claude-island/internal/logging"
)

// DeltaTopic is the watermill topic mirrored alongside direct delivery.
const DeltaTopic = "claude-island.deltas"

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 64

// Subscription is a registered delta consumer. Deltas arrive on C in
// publish order; a Resync delta means the consumer fell behind and
// must re-query the model.
type Subscription struct {
	C <-chan Delta

	bus     *Bus
	id      uint64
	ch      chan Delta
	mu      sync.Mutex
	dropped uint64
	resyncQ bool
	closed  bool
}

// Dropped returns the number of deltas discarded because this
// subscriber's queue overflowed.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// enqueue delivers a delta without ever blocking the producer. On
// overflow the oldest queued delta is dropped and a Resync marker is
// injected so the consumer knows to re-query.
func (s *Subscription) enqueue(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- d:
		// Queue had room, so the consumer is reading; the next overflow
		// injects a fresh Resync.
		s.resyncQ = false
		return
	default:
	}

	select {
	case old := <-s.ch:
		if old.Kind == DeltaResync {
			// The marker itself was the oldest entry; re-inject it below.
			s.resyncQ = false
		} else {
			atomic.AddUint64(&s.dropped, 1)
		}
	default:
	}

	if !s.resyncQ {
		select {
		case s.ch <- Delta{Kind: DeltaResync}:
			s.resyncQ = true
		default:
		}
	}

	select {
	case s.ch <- d:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// finalize sends a last Resync (best effort) and closes the channel.
func (s *Subscription) finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- Delta{Kind: DeltaResync}:
	default:
	}
	s.closed = true
	close(s.ch)
}

// Bus fans deltas out to every subscriber. Producers never block on a
// slow consumer. Deltas published from one goroutine reach each
// subscriber in publish order; no ordering is coupled across
// subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	// Watermill pub/sub mirror for middleware, routing, or external
	// sinks; direct delivery above preserves type information.
	pubsub *gochannel.GoChannel
}

// NewBus creates a new delta bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: DefaultQueueSize,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
	}
}

// Subscribe registers a consumer with the given queue bound. A size of
// zero or less uses DefaultQueueSize.
func (b *Bus) Subscribe(queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Delta, queueSize)
	sub := &Subscription{C: ch, ch: ch, bus: b, id: b.nextID}
	if b.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// Publish delivers a delta to every subscriber and mirrors it onto the
// watermill topic.
func (b *Bus) Publish(d Delta) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.enqueue(d)
	}

	if payload, err := json.Marshal(d); err == nil {
		if err := b.pubsub.Publish(DeltaTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
			logging.Warn().Err(err).Msg("watermill publish failed")
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PubSub exposes the underlying watermill GoChannel for middleware or
// external delta sinks.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Close sends every subscriber a final Resync, closes their channels,
// and shuts down the watermill mirror.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.finalize()
	}
	return b.pubsub.Close()
}
