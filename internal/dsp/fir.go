package dsp

import "math"

// LowpassTaps designs a Hamming-windowed sinc lowpass with n taps and a
// normalized cutoff in (0, 0.5]. Gain at DC is 1.
func LowpassTaps(cutoff float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if cutoff <= 0 {
		cutoff = 1e-6
	}
	if cutoff > 0.5 {
		cutoff = 0.5
	}
	win := Hamming(n)
	taps := make([]float64, n)
	mid := float64(n-1) / 2
	sum := 0.0
	for i := range taps {
		t := float64(i) - mid
		var s float64
		if t == 0 {
			s = 2 * cutoff
		} else {
			s = math.Sin(2*math.Pi*cutoff*t) / (math.Pi * t)
		}
		taps[i] = s * win[i]
		sum += taps[i]
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}

// FIR is a streaming complex FIR filter with optional decimation.
type FIR struct {
	taps  []float64
	hist  []complex128
	pos   int
	decim int
	phase int
}

// NewFIR builds a filter keeping one output out of every decim inputs.
func NewFIR(taps []float64, decim int) *FIR {
	if decim < 1 {
		decim = 1
	}
	return &FIR{
		taps:  taps,
		hist:  make([]complex128, len(taps)),
		decim: decim,
	}
}

// Decimation returns the decimation factor.
func (f *FIR) Decimation() int { return f.decim }

// Reset clears the filter state.
func (f *FIR) Reset() {
	clear(f.hist)
	f.pos = 0
	f.phase = 0
}

// Feed filters x and appends the outputs to out.
func (f *FIR) Feed(x []complex64, out []complex64) []complex64 {
	n := len(f.taps)
	if n == 0 {
		return append(out, x...)
	}
	for _, v := range x {
		f.hist[f.pos] = complex128(v)
		f.pos = (f.pos + 1) % n
		f.phase++
		if f.phase < f.decim {
			continue
		}
		f.phase = 0
		var acc complex128
		idx := f.pos
		for _, tap := range f.taps {
			acc += f.hist[idx] * complex(tap, 0)
			idx++
			if idx == n {
				idx = 0
			}
		}
		out = append(out, complex64(acc))
	}
	return out
}
