package inspector

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/rjboer/GoSuscan/internal/dsp"
)

// Estimator names.
const (
	EstimatorBaudNonlinear = "baud-nonlinear"
	EstimatorPower         = "power"
)

const baudWindow = 1024

// Estimator tracks one signal parameter over successive batches.
type Estimator interface {
	Name() string
	Feed(x []complex64) error
	// Read returns the current estimate; ok is false until enough input was seen.
	Read() (value float64, ok bool)
	Reset()
}

func newEstimator(name string, fs float64) (Estimator, error) {
	switch name {
	case EstimatorBaudNonlinear:
		return &baudNonlinear{fs: fs, window: make([]complex64, baudWindow), spectrum: dsp.NewCachedSpectrum(baudWindow)}, nil
	case EstimatorPower:
		return &powerEstimator{}, nil
	}
	return nil, fmt.Errorf("%w: unknown estimator %q", ErrInvalidArgument, name)
}

// baudNonlinear looks for the spectral line that |x[n]-x[n-1]|^2 shows at the
// symbol rate.
type baudNonlinear struct {
	fs       float64
	window   []complex64
	ptr      int
	filled   bool
	prev     complex64
	spectrum *dsp.CachedSpectrum
}

func (e *baudNonlinear) Name() string { return EstimatorBaudNonlinear }

func (e *baudNonlinear) Feed(x []complex64) error {
	for _, v := range x {
		d := v - e.prev
		e.prev = v
		p := real(d)*real(d) + imag(d)*imag(d)
		e.window[e.ptr] = complex(p, 0)
		e.ptr++
		if e.ptr == len(e.window) {
			e.ptr = 0
			e.filled = true
		}
	}
	return nil
}

func (e *baudNonlinear) Read() (float64, bool) {
	if !e.filled || e.fs <= 0 {
		return 0, false
	}
	n := len(e.window)
	ordered := make([]complex64, 0, n)
	ordered = append(ordered, e.window[e.ptr:]...)
	ordered = append(ordered, e.window[:e.ptr]...)

	var mean complex64
	for _, v := range ordered {
		mean += v
	}
	mean /= complex(float32(n), 0)
	for i := range ordered {
		ordered[i] -= mean
	}

	spectrum := e.spectrum.PowerSpectrum(ordered)
	// Positive frequencies only, skipping the bins next to DC.
	pos := spectrum[n/2+2:]
	if len(pos) == 0 {
		return 0, false
	}
	idx := floats.MaxIdx(pos)
	return float64(idx+2) * e.fs / float64(n), true
}

func (e *baudNonlinear) Reset() {
	clear(e.window)
	e.ptr = 0
	e.filled = false
	e.prev = 0
}

type powerEstimator struct {
	last  float64
	valid bool
}

func (e *powerEstimator) Name() string { return EstimatorPower }

func (e *powerEstimator) Feed(x []complex64) error {
	if len(x) == 0 {
		return nil
	}
	e.last = dsp.PowerDB(dsp.MeanPower(x))
	e.valid = true
	return nil
}

func (e *powerEstimator) Read() (float64, bool) { return e.last, e.valid }

func (e *powerEstimator) Reset() { e.last, e.valid = 0, false }
