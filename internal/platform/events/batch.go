package events

import (
	"context"
	"sync"
)

type batchKey struct{}

// Batch collects events raised inside a transaction so they can be published
// once it commits.
type Batch struct {
	mu     sync.Mutex
	events []Event
}

// WithBatch attaches a fresh Batch to ctx.
func WithBatch(ctx context.Context) (context.Context, *Batch) {
	b := &Batch{}
	return context.WithValue(ctx, batchKey{}, b), b
}

// BatchFromContext returns the Batch attached to ctx, or nil.
func BatchFromContext(ctx context.Context) *Batch {
	b, _ := ctx.Value(batchKey{}).(*Batch)
	return b
}

func (b *Batch) Add(evts ...Event) {
	b.mu.Lock()
	b.events = append(b.events, evts...)
	b.mu.Unlock()
}

func (b *Batch) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}
