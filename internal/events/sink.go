// Package events sequences, records and broadcasts pipeline events.
package events

import (
	"context"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// Sink receives event envelopes.
// Implementations must be safe to call from multiple goroutines and should
// not block.
type Sink interface {
	Emit(ctx context.Context, e models.EventEnvelope)
}

// ChanSink sends envelopes to a channel, dropping them when it is full.
type ChanSink struct {
	ch chan<- models.EventEnvelope
}

// NewChanSink creates a sink that sends to ch. The channel should be buffered.
func NewChanSink(ch chan<- models.EventEnvelope) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the envelope without blocking.
func (s *ChanSink) Emit(ctx context.Context, e models.EventEnvelope) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
		// full, drop
	}
}

// MultiSink fans out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink. Nil sinks are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches to every sink in order.
func (s *MultiSink) Emit(ctx context.Context, e models.EventEnvelope) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function.
type CallbackSink struct {
	fn func(ctx context.Context, e models.EventEnvelope)
}

// NewCallbackSink creates a sink calling fn for each envelope.
func NewCallbackSink(fn func(ctx context.Context, e models.EventEnvelope)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.EventEnvelope) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards everything.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, models.EventEnvelope) {}
