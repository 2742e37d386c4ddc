package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// Channel names a broadcast stream.
type Channel string

const (
	// ChannelChat carries interactive submission events.
	ChannelChat Channel = "chat"

	// ChannelSchedule carries scheduler and background task events.
	ChannelSchedule Channel = "schedule"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 256

// Broadcaster delivers envelopes to live subscribers. Publishing with no
// subscribers is a no-op, and a slow subscriber loses envelopes rather than
// stalling the publisher.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Channel]map[uint64]chan models.EventEnvelope
	drops  atomic.Uint64
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[Channel]map[uint64]chan models.EventEnvelope)}
}

// Subscribe registers a listener on channel. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(channel Channel, buffer int) (<-chan models.EventEnvelope, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan models.EventEnvelope, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]chan models.EventEnvelope)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber of channel.
func (b *Broadcaster) Publish(channel Channel, e models.EventEnvelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- e:
		default:
			b.drops.Add(1)
		}
	}
}

// Dropped returns how many envelopes slow subscribers missed.
func (b *Broadcaster) Dropped() uint64 {
	return b.drops.Load()
}

// Subscribers returns the number of listeners on channel.
func (b *Broadcaster) Subscribers(channel Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Sink returns a Sink publishing on channel.
func (b *Broadcaster) Sink(channel Channel) Sink {
	return &channelSink{b: b, channel: channel}
}

type channelSink struct {
	b       *Broadcaster
	channel Channel
}

func (s *channelSink) Emit(_ context.Context, e models.EventEnvelope) {
	s.b.Publish(s.channel, e)
}
