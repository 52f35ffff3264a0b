// Package quant implements the statistical re-quantization model used to
// add a deterministic analog signal to an already-quantized voltage
// stream, and the packing transforms between the 2-bit wire format and
// one-code-per-byte working form.
package quant

import (
	"fmt"
	"math"
)

// Model maps an input quantization code and an injected signal amplitude
// (in units of the noise sigma) to an output code.
//
// The pre-quantization voltage, conditioned on having produced code c, is
// a zero-mean unit-variance Gaussian restricted to the bin
// [lower(c), upper(c)). Adding the signal shifts that voltage; the model
// computes the probability of each possible upward code shift and selects
// one by inverse-transform sampling on the survivor function, so the
// output is deterministic given (in, signal, pval) and reproduces the
// exact conditional distribution over many uniform draws.
type Model struct {
	levels int     // number of quantization codes, L
	step   float64 // bin width in sigma units
	half   float64 // levels/2, bin edge offset
}

// NewModel builds a model for the given sample bit depth (2 or 8) and
// quantizer step size in sigma units.
func NewModel(bits int, step float64) (*Model, error) {
	if bits != 2 && bits != 8 {
		return nil, fmt.Errorf("unsupported bit depth %d (want 2 or 8)", bits)
	}
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("quantizer step must be positive and finite, got %v", step)
	}
	levels := 1 << bits
	return &Model{
		levels: levels,
		step:   step,
		half:   float64(levels / 2),
	}, nil
}

// Levels returns the number of quantization codes L.
func (m *Model) Levels() int { return m.levels }

// lower returns the low edge of code c's voltage bin. Code 0 owns the
// open lower tail.
func (m *Model) lower(c int) float64 {
	if c <= 0 {
		return math.Inf(-1)
	}
	return (float64(c) - m.half) * m.step
}

// upper returns the high edge of code c's voltage bin. The top code owns
// the open upper tail.
func (m *Model) upper(c int) float64 {
	if c >= m.levels-1 {
		return math.Inf(1)
	}
	return (float64(c) - m.half + 1) * m.step
}

// phi is the standard normal CDF.
func phi(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// Survivor returns P(shift >= k | in) for a non-negative signal: the
// probability that the shifted voltage lands in the bin of code in+k or
// higher. Survivor(in, 0, s) is 1 by construction.
func (m *Model) Survivor(in, k int, signal float64) float64 {
	if k <= 0 {
		return 1
	}
	if in+k > m.levels-1 {
		return 0
	}
	lo := phi(m.lower(in))
	hi := phi(m.upper(in))
	denom := hi - lo
	if denom <= 0 {
		return 0
	}
	// Shifted voltage reaches bin in+k iff v >= lower(in+k) - signal.
	cut := math.Max(m.lower(in), m.lower(in+k)-signal)
	p := (hi - phi(cut)) / denom
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ShiftProb returns P(shift = k | in).
func (m *Model) ShiftProb(in, k int, signal float64) float64 {
	p := m.Survivor(in, k, signal) - m.Survivor(in, k+1, signal)
	if p < 0 {
		return 0
	}
	return p
}

// Apply returns the output code for input code in, injected amplitude
// signal (sigma units, non-negative), and uniform deviate pval in [0,1).
// It scans candidate shifts from the largest possible down and selects
// the first whose survivor probability exceeds pval; the survivor widens
// monotonically as the shift decreases, so the scan terminates at shift 0
// at the latest. The top code always maps to itself.
func (m *Model) Apply(in int, signal, pval float64) int {
	for k := m.levels - 1 - in; k >= 1; k-- {
		if m.Survivor(in, k, signal) > pval {
			return in + k
		}
	}
	return in
}
