package jobs

import (
	"sync"

	"omics-backend/internal/metrics"
	"omics-backend/internal/types"
)

// Ledger tracks cluster resource reservations. Reserve and Release are the
// only mutations and both run under one mutex, so reserved never exceeds the
// totals and never goes negative.
type Ledger struct {
	mu       sync.Mutex
	total    types.Reservation
	reserved types.Reservation
	holders  map[string]types.Reservation
	met      *metrics.Metrics
}

// NewLedger starts with everything free.
func NewLedger(total types.Reservation, met *metrics.Metrics) *Ledger {
	return &Ledger{
		total:   total,
		holders: map[string]types.Reservation{},
		met:     met,
	}
}

// Reserve grants the reservation to jobID if it fits. Granting twice for the
// same job is a no-op returning true.
func (l *Ledger) Reserve(jobID string, r types.Reservation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.holders[jobID]; held {
		return true
	}
	free := types.Reservation{
		Cores:       l.total.Cores - l.reserved.Cores,
		MemoryBytes: l.total.MemoryBytes - l.reserved.MemoryBytes,
	}
	if !r.Fits(free) {
		return false
	}
	l.holders[jobID] = r
	l.reserved.Cores += r.Cores
	l.reserved.MemoryBytes += r.MemoryBytes
	l.publish()
	return true
}

// Release returns jobID's reservation to the pool. Unknown ids are ignored,
// which makes release idempotent across the cancel/finish race.
func (l *Ledger) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, held := l.holders[jobID]
	if !held {
		return
	}
	delete(l.holders, jobID)
	l.reserved.Cores -= r.Cores
	l.reserved.MemoryBytes -= r.MemoryBytes
	l.publish()
}

// Fits reports whether r currently fits in the free pool.
func (l *Ledger) Fits(r types.Reservation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	free := types.Reservation{
		Cores:       l.total.Cores - l.reserved.Cores,
		MemoryBytes: l.total.MemoryBytes - l.reserved.MemoryBytes,
	}
	return r.Fits(free)
}

// Usage returns (total, reserved).
func (l *Ledger) Usage() (types.Reservation, types.Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, l.reserved
}

func (l *Ledger) publish() {
	l.met.LedgerCores.Set(float64(l.reserved.Cores))
	l.met.LedgerMemory.Set(float64(l.reserved.MemoryBytes))
}
