package dsp

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(n int, f float64) []complex64 {
	x := make([]complex64, n)
	for i := range x {
		x[i] = complex64(cmplx.Rect(1, 2*math.Pi*f*float64(i)))
	}
	return x
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func TestHamming(t *testing.T) {
	win := Hamming(4)
	expected := []float64{0.08, 0.77, 0.77, 0.08}
	require.Len(t, win, len(expected))
	for i := range expected {
		assert.InDelta(t, expected[i], win[i], 1e-6)
	}
	assert.Empty(t, Hamming(0))
	assert.Equal(t, []float64{1}, Hann(1))
}

func TestApplyWindow(t *testing.T) {
	out := ApplyWindow([]complex64{1 + 1i, 2}, []float64{0.5, 0.25})
	require.Len(t, out, 2)
	assert.Equal(t, complex(0.5, 0.5), out[0])
	assert.Empty(t, ApplyWindow([]complex64{1, 2}, []float64{1}))
}

func TestFFTShift(t *testing.T) {
	in := []complex128{0, 1, 2, 3}
	assert.Equal(t, []complex128{2, 3, 0, 1}, FFTShift(in))
	assert.Equal(t, []complex128{0, 1, 2, 3}, in, "input must not be modified")
}

func TestPowerSpectrumPeak(t *testing.T) {
	const n = 64
	spectrum := PowerSpectrum(tone(n, 8.0/n))
	require.Len(t, spectrum, n)
	assert.Equal(t, n/2+8, argmax(spectrum))
	assert.InDelta(t, 0, spectrum[n/2+8], 0.5, "unit tone peaks near 0 dBFS")
}

func TestCachedSpectrumMatchesUncached(t *testing.T) {
	const n = 128
	c := NewCachedSpectrum(n)
	x := tone(n, -10.0/n)
	a := c.PowerSpectrum(x)
	b := PowerSpectrum(x)
	require.Len(t, a, n)
	for i := range a {
		assert.InDelta(t, b[i], a[i], 1e-9)
	}

	c.Resize(32)
	assert.Equal(t, 32, c.Size())
	assert.Len(t, c.PowerSpectrum(x), n, "size mismatch falls back")
	assert.Empty(t, c.PowerSpectrum(nil))
}

func TestMeanPowerAndDB(t *testing.T) {
	assert.InDelta(t, 1.0, MeanPower(tone(100, 0.1)), 1e-6)
	assert.Equal(t, 0.0, MeanPower(nil))
	assert.Equal(t, floorDB, PowerDB(0))
	assert.InDelta(t, -3.0103, PowerDB(0.5), 1e-3)
}

func TestNCODownconvertMovesToneToDC(t *testing.T) {
	x := tone(256, 0.125)
	NewNCO(0.125).Downconvert(x)
	for _, v := range x[1:] {
		assert.InDelta(t, 1.0, real(v), 1e-3)
		assert.InDelta(t, 0.0, imag(v), 1e-3)
	}
}

func TestLowpassRejectsOutOfBand(t *testing.T) {
	taps := LowpassTaps(0.05, 63)
	f := NewFIR(taps, 1)
	pass := f.Feed(tone(512, 0.01), nil)
	f.Reset()
	stop := f.Feed(tone(512, 0.3), nil)

	assert.Greater(t, MeanPower(pass[100:]), 0.8)
	assert.Less(t, MeanPower(stop[100:]), 1e-3)
}

func TestFIRDecimation(t *testing.T) {
	f := NewFIR(LowpassTaps(0.1, 15), 4)
	out := f.Feed(make([]complex64, 100), nil)
	assert.Len(t, out, 25)
	assert.Equal(t, 4, f.Decimation())
}

func TestSymbolSamplerRate(t *testing.T) {
	s := NewSymbolSampler(0.25)
	n := 0
	for i := 0; i < 400; i++ {
		if _, ok := s.Feed(complex(float32(i), 0)); ok {
			n++
		}
	}
	assert.Equal(t, 100, n)
}

func TestFMDiscriminate(t *testing.T) {
	x := tone(4, 0.25)
	assert.InDelta(t, 0.5, FMDiscriminate(x[0], x[1]), 1e-5)
	assert.InDelta(t, 2.0, Envelope(2i), 1e-6)
}
