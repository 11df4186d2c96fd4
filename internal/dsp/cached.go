package dsp

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// CachedSpectrum keeps a window and FFT plan for a fixed transform size so
// periodic spectrum updates do not rebuild them every time.
type CachedSpectrum struct {
	mu        sync.Mutex
	window    []float64
	windowSum float64
	size      int
	fft       *fourier.CmplxFFT
}

// NewCachedSpectrum creates a spectrum helper for transforms of size points.
func NewCachedSpectrum(size int) *CachedSpectrum {
	c := &CachedSpectrum{}
	c.resizeLocked(size)
	return c
}

func (c *CachedSpectrum) resizeLocked(size int) {
	c.size = size
	c.window = Hamming(size)
	c.windowSum = floats.Sum(c.window)
	if size > 0 {
		c.fft = fourier.NewCmplxFFT(size)
	} else {
		c.fft = nil
	}
}

// PowerSpectrum returns the DC-centered power spectrum of samples in dBFS.
// Inputs whose length differs from the cached size go through the uncached path.
func (c *CachedSpectrum) PowerSpectrum(samples []complex64) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}
	c.mu.Lock()
	if len(samples) != c.size || c.fft == nil {
		c.mu.Unlock()
		return PowerSpectrum(samples)
	}
	fft := c.fft.Coefficients(nil, ApplyWindow(samples, c.window))
	sum := c.windowSum
	c.mu.Unlock()

	return binsToDB(FFTShift(fft), sum)
}

// Resize rebuilds the cached resources for a new transform size.
func (c *CachedSpectrum) Resize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size != c.size {
		c.resizeLocked(size)
	}
}

// Size returns the current transform size.
func (c *CachedSpectrum) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
