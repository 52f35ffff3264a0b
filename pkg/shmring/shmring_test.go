package shmring

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memRing(t *testing.T, capacity, blockSize int) *Ring {
	t.Helper()
	r, err := NewMemory(Geometry{Capacity: capacity, BlockSize: blockSize})
	require.NoError(t, err)
	return r
}

func TestGeometryValidation(t *testing.T) {
	_, err := NewMemory(Geometry{Capacity: 1, BlockSize: 64})
	assert.Error(t, err)
	_, err = NewMemory(Geometry{Capacity: 16, BlockSize: 0})
	assert.Error(t, err)
}

func TestPublishAdvancesCounters(t *testing.T) {
	r := memRing(t, 4, 16)
	w := NewWriter(r)
	require.Equal(t, uint32(0), r.BlockCount())
	require.True(t, r.Active())

	block := make([]byte, 16)
	for i := 0; i < 6; i++ {
		for j := range block {
			block[j] = byte(i)
		}
		w.Publish(block)
		assert.Equal(t, uint32(i+1), r.BlockCount())
		assert.Equal(t, uint32((i+1)%4), r.RecordIndex())
		// Block i lives in slot i mod capacity.
		assert.Equal(t, byte(i), r.Slot(i % 4)[0])
	}
}

func TestReaderConsumesInOrder(t *testing.T) {
	r := memRing(t, 4, 8)
	w := NewWriter(r)
	rd := NewReader(r)

	block := make([]byte, 8)
	for i := 0; i < 3; i++ {
		for j := range block {
			block[j] = byte(0x10 + i)
		}
		w.Publish(block)
	}

	dst := make([]byte, 8)
	for i := 0; i < 3; i++ {
		n := rd.Consume(dst)
		assert.Equal(t, uint32(i), n)
		assert.Equal(t, byte(0x10+i), dst[0])
	}
	assert.Equal(t, uint32(0), rd.Lag())
}

func TestRealignJumpsToLatestBlock(t *testing.T) {
	// The spec's worked example: capacity 16, writer at block_count 20,
	// reader cursor at 3. The next cycle must jump the cursor to 19.
	r := memRing(t, 16, 4)
	w := NewWriter(r)
	rd := NewReader(r)

	block := make([]byte, 4)
	for i := 0; i < 3; i++ {
		w.Publish(block)
		rd.Consume(block)
	}
	for i := 3; i < 20; i++ {
		w.Publish(block)
	}
	require.Equal(t, uint32(20), r.BlockCount())
	require.Equal(t, uint32(3), rd.Next())

	jumped, skipped := rd.Realign()
	assert.True(t, jumped)
	assert.Equal(t, uint32(16), skipped)
	assert.Equal(t, uint32(19), rd.Next())
	assert.Equal(t, uint32(1), rd.Lag())
}

func TestRealignIsExactlyAtTheBound(t *testing.T) {
	r := memRing(t, 16, 4)
	w := NewWriter(r)
	rd := NewReader(r)
	block := make([]byte, 4)

	// Backlog of capacity-2 must not trigger a jump.
	for i := 0; i < 14; i++ {
		w.Publish(block)
	}
	jumped, _ := rd.Realign()
	assert.False(t, jumped)

	// One more published block reaches the bound.
	w.Publish(block)
	jumped, skipped := rd.Realign()
	assert.True(t, jumped)
	assert.Equal(t, uint32(14), skipped)
}

func TestStalenessBoundUnderFastWriter(t *testing.T) {
	// Scripted interleaving: the writer outruns the reader in random
	// bursts; the reader realigns each cycle before consuming. The
	// cursor must never be left more than capacity-1 behind after the
	// realign check, and a jump must happen iff the backlog hit the
	// bound.
	const capacity = 16
	r := memRing(t, capacity, 4)
	w := NewWriter(r)
	rd := NewReader(r)
	rng := rand.New(rand.NewSource(3))
	block := make([]byte, 4)

	for cycle := 0; cycle < 2000; cycle++ {
		for n := rng.Intn(4); n > 0; n-- {
			w.Publish(block)
		}
		backlog := rd.Lag()
		jumped, _ := rd.Realign()
		assert.Equal(t, backlog >= capacity-1, jumped,
			"realign fires exactly at the staleness bound (backlog %d)", backlog)
		assert.LessOrEqual(t, rd.Lag(), uint32(capacity-1))
		if rd.Lag() > 0 {
			rd.Consume(block)
		}
	}
}

func TestWaitReturnsOnCancel(t *testing.T) {
	r := memRing(t, 4, 8)
	NewWriter(r) // zeroed counters, nothing published
	rd := NewReader(r)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		err = rd.Wait(done, 100*time.Microsecond)
	}()
	close(done)
	wg.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestWaitReturnsWhenBlockArrives(t *testing.T) {
	r := memRing(t, 4, 8)
	w := NewWriter(r)
	rd := NewReader(r)

	done := make(chan struct{})
	go func() {
		time.Sleep(2 * time.Millisecond)
		w.Publish(make([]byte, 8))
	}()
	require.NoError(t, rd.Wait(done, 100*time.Microsecond))
	assert.Equal(t, uint32(1), rd.Lag())
}

func TestNoTornReadsUnderConcurrentWriter(t *testing.T) {
	// A concurrent writer publishes blocks filled with a per-block
	// pattern while the reader follows. Whatever block index Consume
	// reports, the copied payload must be internally consistent: the
	// counter store is ordered after the payload copy.
	const (
		capacity  = 8
		blockSize = 4096
		total     = 400
	)
	r := memRing(t, capacity, blockSize)
	w := NewWriter(r)
	rd := NewReader(r)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		block := make([]byte, blockSize)
		for i := 0; i < total; i++ {
			for j := range block {
				block[j] = byte(i)
			}
			w.Publish(block)
			// Paced writer: the reader polls much faster, so the
			// backlog stays inside the staleness bound and every
			// consumed slot is stable during the copy.
			time.Sleep(200 * time.Microsecond)
		}
	}()

	done := make(chan struct{})
	dst := make([]byte, blockSize)
	seen := 0
	for seen < total {
		require.NoError(t, rd.Wait(done, 10*time.Microsecond))
		rd.Realign()
		n := rd.Consume(dst)
		want := byte(n)
		for j := 0; j < blockSize; j += 257 {
			require.Equalf(t, want, dst[j],
				"torn read in block %d at offset %d", n, j)
		}
		require.Equal(t, want, dst[blockSize-1])
		seen = int(n) + 1
	}
	wg.Wait()
}
