// Package shmring implements the fixed-capacity shared-memory block rings
// used to hand quantized voltage blocks between uncoordinated processes.
//
// Each ring is a pair of SysV shared memory segments: a small header segment
// (active flag, status, timing metadata) and a buffer segment holding the
// cursor words followed by capacity*blockSize payload bytes. There is no
// mutex or futex anywhere; the only synchronization contract is that a
// writer finishes the payload copy before it stores the record index and
// then the block counter. Readers poll the counter and copy the slot out
// before trusting its contents.
package shmring

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Geometry fixes the deployment-time shape of a ring. Both rings of a
// bridge use the same geometry.
type Geometry struct {
	Capacity  int // number of block slots
	BlockSize int // bytes per block
}

// Buffer segment layout, matching the acquisition system's struct:
//
//	u32 flag | u32 currBlk | u32 currRec | u32 blkSize | i32 overflow |
//	pad to 8 | f64 comptime[capacity] | f64 datatime[capacity] | payload
const (
	offFlag     = 0
	offCurrBlk  = 4
	offCurrRec  = 8
	offBlkSize  = 12
	offOverflow = 16
	offTimes    = 24 // comptime array start, 8-byte aligned
)

// Header segment layout:
//
//	u32 active | u32 status | f64 comptime | f64 datatime | f64 reftime |
//	timeval timestamp[capacity] | timeval timestampGPS[capacity] |
//	f64 blkNano[capacity]
const (
	hdrOffActive = 0
	hdrOffStatus = 4
	hdrScalars   = 32 // fixed part before the per-slot arrays
)

func (g Geometry) validate() error {
	if g.Capacity < 2 {
		return fmt.Errorf("ring capacity must be at least 2, got %d", g.Capacity)
	}
	if g.BlockSize <= 0 {
		return fmt.Errorf("ring block size must be positive, got %d", g.BlockSize)
	}
	return nil
}

// BufferBytes returns the size of the buffer segment.
func (g Geometry) BufferBytes() int {
	return offTimes + 16*g.Capacity + g.Capacity*g.BlockSize
}

// HeaderBytes returns the size of the header segment.
func (g Geometry) HeaderBytes() int {
	// two timeval arrays (16 bytes per entry) plus the nanosecond array
	return hdrScalars + 40*g.Capacity
}

func (g Geometry) payloadOffset() int {
	return offTimes + 16*g.Capacity
}

// Ring is one attached (or memory-backed) ring buffer endpoint.
type Ring struct {
	geo Geometry
	hdr []byte
	buf []byte

	currBlk  *uint32
	currRec  *uint32
	blkSize  *uint32
	active   *uint32
	detachFn func() error
}

// NewMemory returns a ring backed by ordinary heap memory. It behaves
// identically to a shared-memory ring and exists so the cursor and
// publish logic can be exercised without SysV IPC, the same way device
// capture is tested against a simulator instead of real hardware.
func NewMemory(geo Geometry) (*Ring, error) {
	if err := geo.validate(); err != nil {
		return nil, err
	}
	r := &Ring{
		geo: geo,
		hdr: make([]byte, geo.HeaderBytes()),
		buf: make([]byte, geo.BufferBytes()),
	}
	r.overlay()
	atomic.StoreUint32(r.blkSize, uint32(geo.BlockSize))
	return r, nil
}

// overlay binds the cursor words to their fixed offsets in the segments.
func (r *Ring) overlay() {
	r.currBlk = (*uint32)(unsafe.Pointer(&r.buf[offCurrBlk]))
	r.currRec = (*uint32)(unsafe.Pointer(&r.buf[offCurrRec]))
	r.blkSize = (*uint32)(unsafe.Pointer(&r.buf[offBlkSize]))
	r.active = (*uint32)(unsafe.Pointer(&r.hdr[hdrOffActive]))
}

// Geometry returns the ring's shape.
func (r *Ring) Geometry() Geometry { return r.geo }

// BlockCount returns the writer's published-block counter.
func (r *Ring) BlockCount() uint32 { return atomic.LoadUint32(r.currBlk) }

// RecordIndex returns the writer's current physical slot word.
func (r *Ring) RecordIndex() uint32 { return atomic.LoadUint32(r.currRec) }

// Active reports the header active flag.
func (r *Ring) Active() bool { return atomic.LoadUint32(r.active) != 0 }

// SetActive sets the header active flag.
func (r *Ring) SetActive(on bool) {
	var v uint32
	if on {
		v = 1
	}
	atomic.StoreUint32(r.active, v)
}

// Slot returns the payload bytes of physical slot i. The slice aliases
// shared memory: a reader must copy it out before use, since the producer
// may overwrite it at any time after the cursor observation.
func (r *Ring) Slot(i int) []byte {
	off := r.geo.payloadOffset() + i*r.geo.BlockSize
	return r.buf[off : off+r.geo.BlockSize]
}

// setDataTime records the publication wall time for slot i, for
// downstream consumers that track block timing.
func (r *Ring) setDataTime(i int, t time.Time) {
	off := offTimes + 8*r.geo.Capacity + 8*i
	p := (*float64)(unsafe.Pointer(&r.buf[off]))
	*p = float64(t.UnixNano()) / 1e9
}

// Close detaches from shared memory, if attached.
func (r *Ring) Close() error {
	if r.detachFn == nil {
		return nil
	}
	fn := r.detachFn
	r.detachFn = nil
	return fn()
}

// Reader is the consuming cursor over a ring. The slot invariant
// nextSlot == nextBlock mod capacity is maintained internally by deriving
// the slot from the block number.
type Reader struct {
	ring *Ring
	next uint32 // next block number to consume
}

// NewReader returns a cursor starting at block 0.
func NewReader(r *Ring) *Reader {
	return &Reader{ring: r}
}

// Next returns the block number the cursor will consume next.
func (rd *Reader) Next() uint32 { return rd.next }

// Lag returns how many published blocks the cursor is behind the writer.
func (rd *Reader) Lag() uint32 { return rd.ring.BlockCount() - rd.next }

// Wait polls until the writer has published a block the cursor has not
// consumed, sleeping poll between observations. It returns ctx.Err() if
// the context is cancelled first.
func (rd *Reader) Wait(done <-chan struct{}, poll time.Duration) error {
	for rd.ring.BlockCount() == rd.next {
		select {
		case <-done:
			return ErrCancelled
		default:
		}
		time.Sleep(poll)
	}
	return nil
}

// ErrCancelled is returned by Wait when the done channel closes.
var ErrCancelled = fmt.Errorf("shmring: wait cancelled")

// Realign jumps the cursor to the writer's most recently completed block
// when the backlog has reached capacity-1, the point at which the oldest
// unread slot is at risk of being overwritten mid-read. It reports whether
// a jump happened and how many unread blocks were discarded. The jump is
// all-or-nothing; there is no gradual catch-up.
func (rd *Reader) Realign() (jumped bool, skipped uint32) {
	count := rd.ring.BlockCount()
	if count-rd.next >= uint32(rd.ring.geo.Capacity-1) {
		latest := count - 1
		skipped = latest - rd.next
		rd.next = latest
		return true, skipped
	}
	return false, 0
}

// Consume copies the cursor's block out of the ring into dst and advances
// the cursor. The copy happens before any further use because the source
// slot may be overwritten concurrently.
func (rd *Reader) Consume(dst []byte) uint32 {
	block := rd.next
	slot := int(block % uint32(rd.ring.geo.Capacity))
	copy(dst, rd.ring.Slot(slot))
	rd.next++
	return block
}

// Writer is the producing cursor over a ring. Exactly one writer exists
// per ring by construction.
type Writer struct {
	ring *Ring
	rec  int
}

// NewWriter resets the ring's cursors to a fresh state and returns its
// writer. Intended for a ring this process just created.
func NewWriter(r *Ring) *Writer {
	atomic.StoreUint32(r.currRec, 0)
	atomic.StoreUint32(r.currBlk, 0)
	atomic.StoreUint32(r.blkSize, uint32(r.geo.BlockSize))
	r.SetActive(true)
	return &Writer{ring: r}
}

// Publish copies block into the writer's current slot and then publishes
// it: record index first, block counter last. Downstream readers must
// never observe the counter increment before the payload bytes, so the
// stores go through sync/atomic after the copy completes.
func (w *Writer) Publish(block []byte) {
	copy(w.ring.Slot(w.rec), block)
	w.ring.setDataTime(w.rec, time.Now())
	next := (w.rec + 1) % w.ring.geo.Capacity
	atomic.StoreUint32(w.ring.currRec, uint32(next))
	atomic.AddUint32(w.ring.currBlk, 1)
	w.rec = next
}
