package quant

import "fmt"

// Requantizer converts between the input ring's wire packing and the
// one-code-per-byte working form the injection model operates on. At 2
// bits per sample, one wire byte holds four codes; at 8 bits the
// transforms are the identity. Both directions are byte-local and
// order-preserving.
type Requantizer struct {
	bits int
}

// NewRequantizer returns a requantizer for the given bit depth.
func NewRequantizer(bits int) (*Requantizer, error) {
	if bits != 2 && bits != 8 {
		return nil, fmt.Errorf("unsupported bit depth %d (want 2 or 8)", bits)
	}
	return &Requantizer{bits: bits}, nil
}

// SamplesPerByte returns how many samples one wire byte carries.
func (r *Requantizer) SamplesPerByte() int {
	return 8 / r.bits
}

// CheckBlock validates that a wire block of n bytes expands to a whole
// number of samples. Called once at configuration time, not per block.
func (r *Requantizer) CheckBlock(n int) error {
	if n <= 0 {
		return fmt.Errorf("block size must be positive, got %d", n)
	}
	return nil
}

// UnpackByte splits one 2-bit-packed wire byte into four codes in [0,3].
// Sample 0 is the earliest in time and occupies the low bits.
func UnpackByte(b byte) [4]uint8 {
	return [4]uint8{
		b & 0x03,
		(b >> 2) & 0x03,
		(b >> 4) & 0x03,
		(b >> 6) & 0x03,
	}
}

// PackByte is the inverse of UnpackByte. Codes above 3 are truncated to
// their low two bits.
func PackByte(c [4]uint8) byte {
	return (c[0] & 0x03) |
		(c[1]&0x03)<<2 |
		(c[2]&0x03)<<4 |
		(c[3]&0x03)<<6
}

// Unpack expands a wire block into codes, one sample per element.
// codes must have len(wire) * SamplesPerByte() elements.
func (r *Requantizer) Unpack(wire []byte, codes []uint8) {
	if r.bits == 8 {
		copy(codes, wire)
		return
	}
	for i, b := range wire {
		c := UnpackByte(b)
		j := i * 4
		codes[j] = c[0]
		codes[j+1] = c[1]
		codes[j+2] = c[2]
		codes[j+3] = c[3]
	}
}

// Pack collapses codes back into the wire form. The inverse of Unpack.
func (r *Requantizer) Pack(codes []uint8, wire []byte) {
	if r.bits == 8 {
		copy(wire, codes)
		return
	}
	for i := range wire {
		j := i * 4
		wire[i] = PackByte([4]uint8{codes[j], codes[j+1], codes[j+2], codes[j+3]})
	}
}
