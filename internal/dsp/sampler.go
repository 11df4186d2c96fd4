package dsp

import (
	"math"
	"math/cmplx"
)

// SymbolSampler picks one sample per symbol period out of an oversampled
// stream. Baud is normalized to the sample rate.
type SymbolSampler struct {
	baud  float64
	acc   float64
	prev  complex64
	valid bool
}

// NewSymbolSampler returns a sampler for the normalized baud rate.
func NewSymbolSampler(baud float64) *SymbolSampler {
	return &SymbolSampler{baud: baud}
}

// SetBaud changes the normalized symbol rate.
func (s *SymbolSampler) SetBaud(baud float64) { s.baud = baud }

// Baud returns the normalized symbol rate.
func (s *SymbolSampler) Baud() float64 { return s.baud }

// Feed consumes one sample and reports whether a symbol is due. A rate of
// zero or at least one symbol per sample passes every sample through. The symbol
// is linearly interpolated between the previous and current samples.
func (s *SymbolSampler) Feed(x complex64) (complex64, bool) {
	if s.baud <= 0 || s.baud >= 1 {
		return x, true
	}
	s.acc += s.baud
	defer func() { s.prev, s.valid = x, true }()
	if s.acc < 1 {
		return 0, false
	}
	s.acc -= 1
	if !s.valid {
		return x, true
	}
	alpha := complex64(complex(s.acc/s.baud, 0))
	return x - alpha*(x-s.prev), true
}

// FMDiscriminate returns the instantaneous phase increment between prev and
// x, scaled to [-1, 1).
func FMDiscriminate(prev, x complex64) float32 {
	d := complex128(x) * cmplx.Conj(complex128(prev))
	return float32(cmplx.Phase(d) / math.Pi)
}

// Envelope returns |x|.
func Envelope(x complex64) float32 {
	return float32(cmplx.Abs(complex128(x)))
}
