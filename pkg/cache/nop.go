package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// Nop is an always-empty adapter. Every Get misses and every Set is
// dropped, which is how an unavailable backend looks to the rest of the
// library.
type Nop struct {
	misses atomic.Int64
}

// NewNop returns an always-empty adapter.
func NewNop() *Nop {
	return &Nop{}
}

func (n *Nop) Get(_ context.Context, _ string) (Payload, bool) {
	n.misses.Add(1)
	CacheMisses.WithLabelValues(LayerNop).Inc()
	return nil, false
}

func (n *Nop) Set(_ context.Context, _ string, _ Payload, _ time.Duration) error { return nil }

func (n *Nop) Delete(_ context.Context, _ string) bool { return false }

func (n *Nop) Clear(_ context.Context) error {
	n.misses.Store(0)
	return nil
}

func (n *Nop) Has(_ context.Context, _ string) bool { return false }

func (n *Nop) DeleteByPattern(_ context.Context, _ string) (int, error) { return 0, nil }

func (n *Nop) Stats(_ context.Context) Stats {
	return Stats{Backend: LayerNop, Misses: n.misses.Load()}
}

var _ Adapter = (*Nop)(nil)
