package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// floorDB is reported for empty bins instead of -Inf so spectra stay
// serializable.
const floorDB = -200.0

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	return append(shifted, data[:half]...)
}

// PowerDB converts a squared magnitude to decibels relative to full scale.
func PowerDB(p float64) float64 {
	if p <= 0 {
		return floorDB
	}
	db := 10 * math.Log10(p)
	if db < floorDB {
		return floorDB
	}
	return db
}

// PowerSpectrum windows samples with a Hamming window, transforms them and
// returns the DC-centered power per bin in dBFS (unit-amplitude full scale).
func PowerSpectrum(samples []complex64) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}
	win := Hamming(len(samples))
	fft := fourier.NewCmplxFFT(len(samples)).Coefficients(nil, ApplyWindow(samples, win))
	return binsToDB(FFTShift(fft), floats.Sum(win))
}

func binsToDB(bins []complex128, windowSum float64) []float64 {
	out := make([]float64, len(bins))
	norm := windowSum * windowSum
	if norm == 0 {
		norm = 1
	}
	for i, v := range bins {
		out[i] = PowerDB((real(v)*real(v) + imag(v)*imag(v)) / norm)
	}
	return out
}

// MeanPower returns the mean of |x|^2.
func MeanPower(x []complex64) float64 {
	if len(x) == 0 {
		return 0
	}
	p := make([]float64, len(x))
	for i, v := range x {
		p[i] = float64(real(v))*float64(real(v)) + float64(imag(v))*float64(imag(v))
	}
	return floats.Sum(p) / float64(len(p))
}

// ToFloat32 narrows a spectrum for the wire.
func ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
