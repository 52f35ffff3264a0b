package burst

import (
	"fmt"
	"math"
)

// Sigma returns the radiometer-equation noise level in Jy: system
// temperature over aggregate gain, divided by the root of twice the
// time-bandwidth product of one sample. gain is per antenna; the
// aggregate system gain is gain*nant.
func Sigma(tsys, gain float64, nant int, dt, channelWidthHz float64) float64 {
	return tsys / (gain * float64(nant)) / math.Sqrt(2*dt*channelWidthHz)
}

// Placement maps one burst's sparse grid onto absolute sample indices in
// the stream and carries the noise level that converts triplet fluxes to
// injected amplitudes in sigma units.
type Placement struct {
	file  *File
	start int64 // absolute sample index of the burst's local time origin
	nf    int   // stream channel count
	flip  bool  // reverse channel order (inverted band sense)
	sigma float64
}

// NewPlacement binds a decoded burst file to the stream geometry.
// The burst's start sample is round(tburst/dt)*nf on the interleaved
// sample axis. An empty grid is an error the caller downgrades to a
// warning and a skip.
func NewPlacement(f *File, nf int, dt float64, flip bool, sigma float64) (*Placement, error) {
	if f.Empty() {
		return nil, fmt.Errorf("burst %q has no non-zero entries", f.Name)
	}
	if sigma <= 0 {
		return nil, fmt.Errorf("noise level must be positive, got %v", sigma)
	}
	if int(f.GridCols) > nf {
		return nil, fmt.Errorf("burst %q grid has %d channels, stream has %d", f.Name, f.GridCols, nf)
	}
	return &Placement{
		file:  f,
		start: int64(math.Round(float64(f.TBurst)/dt)) * int64(nf),
		nf:    nf,
		flip:  flip,
		sigma: sigma,
	}, nil
}

// File returns the underlying burst description.
func (p *Placement) File() *File { return p.file }

// Start returns the burst's absolute starting sample index.
func (p *Placement) Start() int64 { return p.start }

// Sample is one injection target: an absolute sample index and the
// signal amplitude to add there, in noise-sigma units.
type Sample struct {
	Index     int64
	Channel   int
	Amplitude float64
}

// Window appends to out the injection targets falling inside the block
// range [blockStart, blockEnd) on the absolute sample axis. Triplets are
// sorted by row, so the scan stops at the first row past the block; a
// triplet from an earlier row that precedes the block is skipped
// individually.
func (p *Placement) Window(blockStart, blockEnd int64, out []Sample) []Sample {
	for i, row := range p.file.Rows {
		rowBase := p.start + int64(row)*int64(p.nf)
		if rowBase >= blockEnd {
			break
		}
		col := int(p.file.Cols[i])
		if p.flip {
			col = p.nf - 1 - col
		}
		idx := rowBase + int64(col)
		if idx < blockStart || idx >= blockEnd {
			continue
		}
		out = append(out, Sample{
			Index:     idx,
			Channel:   col,
			Amplitude: float64(p.file.Fluxes[i]) / p.sigma,
		})
	}
	return out
}
