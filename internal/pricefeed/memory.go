package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/syntrade/trade-engine/internal/model"
)

// MemorySource is an in-process Source and Sink, used by tests and the
// development simulator.
type MemorySource struct {
	mu    sync.RWMutex
	snaps map[int64]model.PriceSnapshot
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{snaps: make(map[int64]model.PriceSnapshot)}
}

func (m *MemorySource) Query(_ context.Context, ts time.Time) ([]model.PriceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snaps[ts.Unix()]
	if !ok {
		return nil, nil
	}
	return []model.PriceSnapshot{snap}, nil
}

func (m *MemorySource) Put(_ context.Context, snap model.PriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap.Timestamp = snap.Timestamp.UTC().Truncate(time.Second)
	m.snaps[snap.Timestamp.Unix()] = snap
	return nil
}

// Prune drops snapshots older than before.
func (m *MemorySource) Prune(before time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := before.Unix()
	for ts := range m.snaps {
		if ts < cutoff {
			delete(m.snaps, ts)
		}
	}
}
