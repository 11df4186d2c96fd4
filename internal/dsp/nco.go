package dsp

import (
	"math"
	"math/cmplx"
)

// NCO is a numerically controlled oscillator. Frequencies are normalized to
// the sample rate (cycles per sample).
type NCO struct {
	phase float64
	incr  float64
}

// NewNCO returns an oscillator at the normalized frequency f.
func NewNCO(f float64) *NCO {
	n := &NCO{}
	n.SetFreq(f)
	return n
}

// SetFreq retunes without a phase jump.
func (n *NCO) SetFreq(f float64) { n.incr = 2 * math.Pi * f }

// Freq returns the normalized frequency.
func (n *NCO) Freq() float64 { return n.incr / (2 * math.Pi) }

// Next returns the current phasor and advances.
func (n *NCO) Next() complex128 {
	v := cmplx.Rect(1, n.phase)
	n.phase = math.Mod(n.phase+n.incr, 2*math.Pi)
	return v
}

// Downconvert multiplies x in place by the conjugate phasor, shifting a tone
// at the NCO frequency down to DC.
func (n *NCO) Downconvert(x []complex64) {
	for i, v := range x {
		p := cmplx.Conj(n.Next())
		x[i] = complex64(complex128(v) * p)
	}
}

// Shift returns the normalized frequency of hz at sample rate fs.
func Shift(hz, fs float64) float64 {
	if fs == 0 {
		return 0
	}
	return hz / fs
}
