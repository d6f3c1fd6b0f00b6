package noncestore

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-process store.
const DefaultMemoryCapacity = 1 << 20

// fullSweepInterval spaces out the on-demand sweeps a full store runs. The
// janitor handles routine expiry.
const fullSweepInterval = time.Second

// Memory is an in-process store. It is correct for a single gateway instance
// only; horizontally scaled deployments need Redis or SQL.
type Memory struct {
	capacity int

	mu            sync.Mutex
	entries       map[string]Record
	lastFullSweep time.Time
}

// NewMemory returns a store holding at most capacity live nonces. When full it
// drops expired records, at most once per second, and otherwise refuses new
// reservations rather than evicting nonces that could still be replayed.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		entries:  make(map[string]Record),
	}
}

// Reserve implements Store. Lookup, expiry check and insert happen under one
// lock acquisition.
func (m *Memory) Reserve(ctx context.Context, rec Record, ttl time.Duration) (Outcome, error) {
	rec, err := prepare(rec, ttl)
	if err != nil {
		return 0, err
	}
	now := rec.ReservedAt

	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := Reserved
	if existing, ok := m.entries[rec.Nonce]; ok {
		if existing.Live(now) {
			return AlreadyReserved, nil
		}
		outcome = ReservedAfterExpiry
	} else if len(m.entries) >= m.capacity {
		if now.Sub(m.lastFullSweep) < fullSweepInterval {
			return 0, ErrStoreFull
		}
		m.lastFullSweep = now
		m.sweepLocked(now)
		if len(m.entries) >= m.capacity {
			return 0, ErrStoreFull
		}
	}
	m.entries[rec.Nonce] = rec
	return outcome, nil
}

// Lookup returns the live record for nonce, if any.
func (m *Memory) Lookup(nonce string, now time.Time) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entries[nonce]
	if !ok || !rec.Live(now) {
		return Record{}, false
	}
	return rec, true
}

// Sweep drops expired records.
func (m *Memory) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now), nil
}

func (m *Memory) sweepLocked(now time.Time) int {
	removed := 0
	for key, rec := range m.entries {
		if !rec.Live(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked records, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
