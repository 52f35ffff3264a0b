// Package bridge drives blocks from the input ring through requantization
// and burst injection into the output ring, one block per cycle.
package bridge

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/weaver/pkg/burst"
	"github.com/weaver/pkg/quant"
	"github.com/weaver/pkg/shmring"
)

// Options configures a Bridge. In, Out, Model, Requant and Rand are
// required; the rest are optional.
type Options struct {
	In  *shmring.Ring
	Out *shmring.Ring

	Model   *quant.Model
	Requant *quant.Requantizer
	Bursts  []*burst.Placement

	Rand *rand.Rand    // uniform deviate source, seeded once per run
	Poll time.Duration // WAIT re-poll interval; default 2ms

	Dump  io.Writer // optional verbatim copy of every transformed block
	Audit *Audit    // optional parquet record of every altered sample
	Log   *log.Logger
}

// Stats is a snapshot of the bridge's run counters.
type Stats struct {
	Blocks   uint64 // blocks relayed
	Realigns uint64 // forced cursor jumps
	Skipped  uint64 // unread blocks discarded by realigns
	Altered  uint64 // samples whose code changed
	BytesOut uint64
	Lag      uint32 // blocks behind the producer at last observation
	Started  time.Time
}

// Bridge owns the read and write cursors and the per-block working
// buffers. It is single-threaded: Run is the only goroutine touching the
// rings from this process.
type Bridge struct {
	opt             Options
	samplesPerBlock int

	blocks   atomic.Uint64
	realigns atomic.Uint64
	skipped  atomic.Uint64
	altered  atomic.Uint64
	bytesOut atomic.Uint64
	lag      atomic.Uint32
	started  time.Time
}

// New validates the options and sizes the working buffers. Block geometry
// is checked here, once, not per block.
func New(opt Options) (*Bridge, error) {
	if opt.In == nil || opt.Out == nil {
		return nil, fmt.Errorf("bridge needs both rings")
	}
	if opt.In.Geometry() != opt.Out.Geometry() {
		return nil, fmt.Errorf("ring geometries differ: in %+v, out %+v",
			opt.In.Geometry(), opt.Out.Geometry())
	}
	if opt.Model == nil || opt.Requant == nil {
		return nil, fmt.Errorf("bridge needs the quantization model and requantizer")
	}
	if opt.Rand == nil {
		return nil, fmt.Errorf("bridge needs a random source")
	}
	if opt.Poll <= 0 {
		opt.Poll = 2 * time.Millisecond
	}
	if opt.Log == nil {
		opt.Log = log.Default()
	}
	blockSize := opt.In.Geometry().BlockSize
	if err := opt.Requant.CheckBlock(blockSize); err != nil {
		return nil, err
	}
	return &Bridge{
		opt:             opt,
		samplesPerBlock: blockSize * opt.Requant.SamplesPerByte(),
	}, nil
}

// Stats returns a snapshot of the run counters. Safe to call from other
// goroutines while Run is looping.
func (b *Bridge) Stats() Stats {
	return Stats{
		Blocks:   b.blocks.Load(),
		Realigns: b.realigns.Load(),
		Skipped:  b.skipped.Load(),
		Altered:  b.altered.Load(),
		BytesOut: b.bytesOut.Load(),
		Lag:      b.lag.Load(),
		Started:  b.started,
	}
}

// Run loops until ctx is cancelled. Cancellation is observed at block
// granularity; an in-flight block is finished, not aborted.
func (b *Bridge) Run(ctx context.Context) error {
	reader := shmring.NewReader(b.opt.In)
	writer := shmring.NewWriter(b.opt.Out)
	b.started = time.Now()

	blockSize := b.opt.In.Geometry().BlockSize
	raw := make([]byte, blockSize)
	codes := make([]uint8, b.samplesPerBlock)
	targets := make([]burst.Sample, 0, 1024)

	for ctx.Err() == nil {
		if reader.Lag() == 0 {
			b.opt.Log.Debug("waiting for producer", "next", reader.Next())
			if err := reader.Wait(ctx.Done(), b.opt.Poll); err != nil {
				break
			}
			b.opt.Log.Debug("producer ready", "count", b.opt.In.BlockCount())
		}

		if jumped, skipped := reader.Realign(); jumped {
			b.realigns.Add(1)
			b.skipped.Add(uint64(skipped))
			b.opt.Log.Debug("realigned to producer", "skipped", skipped, "block", reader.Next())
		}
		b.lag.Store(reader.Lag())

		// Copy out before transforming; the producer may overwrite the
		// slot at any time after this observation.
		block := reader.Consume(raw)

		b.opt.Requant.Unpack(raw, codes)
		altered := b.inject(int64(block), codes, &targets)
		b.opt.Requant.Pack(codes, raw)

		writer.Publish(raw)

		if b.opt.Dump != nil {
			if _, err := b.opt.Dump.Write(raw); err != nil {
				return fmt.Errorf("debug dump: %w", err)
			}
		}

		b.blocks.Add(1)
		b.altered.Add(uint64(altered))
		b.bytesOut.Add(uint64(blockSize))
		b.opt.Log.Debug("relayed block", "block", block, "altered", altered)
	}
	b.opt.Log.Info("bridge stopped", "blocks", b.blocks.Load())
	return nil
}

// inject recomputes the codes of every sample in this block covered by an
// active burst. Returns how many samples changed.
func (b *Bridge) inject(block int64, codes []uint8, targets *[]burst.Sample) int {
	if len(b.opt.Bursts) == 0 {
		return 0
	}
	blockStart := block * int64(b.samplesPerBlock)
	blockEnd := blockStart + int64(b.samplesPerBlock)

	altered := 0
	for _, p := range b.opt.Bursts {
		*targets = p.Window(blockStart, blockEnd, (*targets)[:0])
		for _, s := range *targets {
			i := s.Index - blockStart
			in := int(codes[i])
			out := b.opt.Model.Apply(in, s.Amplitude, b.opt.Rand.Float64())
			if out != in {
				altered++
			}
			if b.opt.Audit != nil {
				if err := b.opt.Audit.Record(Row{
					Block:     block,
					Sample:    s.Index,
					Channel:   int32(s.Channel),
					CodeIn:    int32(in),
					CodeOut:   int32(out),
					Amplitude: s.Amplitude,
				}); err != nil {
					b.opt.Log.Warn("audit write failed", "err", err)
				}
			}
			codes[i] = uint8(out)
		}
	}
	return altered
}
