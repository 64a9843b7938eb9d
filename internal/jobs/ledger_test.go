package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omics-backend/internal/metrics"
	"omics-backend/internal/types"
)

func testLedger(cores int, mem int64) *Ledger {
	return NewLedger(types.Reservation{Cores: cores, MemoryBytes: mem}, metrics.New())
}

func TestLedgerReserveAndRelease(t *testing.T) {
	l := testLedger(8, 1024)

	require.True(t, l.Reserve("a", types.Reservation{Cores: 4, MemoryBytes: 512}))
	require.True(t, l.Reserve("b", types.Reservation{Cores: 4, MemoryBytes: 256}))

	_, reserved := l.Usage()
	assert.Equal(t, 8, reserved.Cores)
	assert.Equal(t, int64(768), reserved.MemoryBytes)

	// Cores are exhausted even though memory remains.
	assert.False(t, l.Reserve("c", types.Reservation{Cores: 1, MemoryBytes: 1}))

	l.Release("a")
	assert.True(t, l.Reserve("c", types.Reservation{Cores: 1, MemoryBytes: 1}))
}

func TestLedgerNeverOvercommits(t *testing.T) {
	l := testLedger(4, 100)
	require.True(t, l.Reserve("a", types.Reservation{Cores: 2, MemoryBytes: 60}))
	assert.False(t, l.Reserve("b", types.Reservation{Cores: 2, MemoryBytes: 60}))
	assert.False(t, l.Reserve("c", types.Reservation{Cores: 3, MemoryBytes: 10}))

	total, reserved := l.Usage()
	assert.LessOrEqual(t, reserved.Cores, total.Cores)
	assert.LessOrEqual(t, reserved.MemoryBytes, total.MemoryBytes)
}

func TestLedgerReserveIsIdempotentPerJob(t *testing.T) {
	l := testLedger(4, 100)
	require.True(t, l.Reserve("a", types.Reservation{Cores: 4, MemoryBytes: 100}))
	require.True(t, l.Reserve("a", types.Reservation{Cores: 4, MemoryBytes: 100}))

	_, reserved := l.Usage()
	assert.Equal(t, 4, reserved.Cores)

	l.Release("a")
	_, reserved = l.Usage()
	assert.Zero(t, reserved.Cores)
	assert.Zero(t, reserved.MemoryBytes)
}

func TestLedgerReleaseUnknownIsNoop(t *testing.T) {
	l := testLedger(4, 100)
	l.Release("ghost")
	_, reserved := l.Usage()
	assert.Zero(t, reserved.Cores)
}
