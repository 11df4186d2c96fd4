package inspector

import (
	"fmt"

	"github.com/rjboer/GoSuscan/internal/dsp"
)

// Spectrum source names.
const (
	SpectrumPSD   = "psd"
	SpectrumCyclo = "cyclo"
	SpectrumExp2  = "exp-2"
	SpectrumExp4  = "exp-4"
)

// DefaultSpectrumSize is the number of samples per spectrum update.
const DefaultSpectrumSize = 8192

// SpectrumSource turns the sample stream into periodic spectra after an
// optional nonlinear transform.
type SpectrumSource interface {
	Name() string
	Feed(x []complex64) error
	// Ready reports whether a full window has been collected.
	Ready() bool
	// Read returns the spectrum of the last full window in dB.
	Read() []float64
	Reset()
}

func spectrumSourceNames() []string {
	return []string{SpectrumPSD, SpectrumCyclo, SpectrumExp2, SpectrumExp4}
}

func newSpectrumSource(name string, size int) (SpectrumSource, error) {
	var pre func(complex64) complex64
	switch name {
	case SpectrumPSD:
	case SpectrumCyclo:
		pre = func(x complex64) complex64 {
			return complex(real(x)*real(x)+imag(x)*imag(x), 0)
		}
	case SpectrumExp2:
		pre = func(x complex64) complex64 { return x * x }
	case SpectrumExp4:
		pre = func(x complex64) complex64 {
			y := x * x
			return y * y
		}
	default:
		return nil, fmt.Errorf("%w: unknown spectrum source %q", ErrInvalidArgument, name)
	}
	return &windowedSource{
		name:   name,
		pre:    pre,
		buf:    make([]complex64, size),
		latest: make([]complex64, size),
		power:  dsp.NewCachedSpectrum(size),
	}, nil
}

type windowedSource struct {
	name   string
	pre    func(complex64) complex64
	buf    []complex64
	latest []complex64
	ptr    int
	ready  bool
	power  *dsp.CachedSpectrum
}

func (s *windowedSource) Name() string { return s.name }

func (s *windowedSource) Feed(x []complex64) error {
	for _, v := range x {
		if s.pre != nil {
			v = s.pre(v)
		}
		s.buf[s.ptr] = v
		s.ptr++
		if s.ptr == len(s.buf) {
			copy(s.latest, s.buf)
			s.ptr = 0
			s.ready = true
		}
	}
	return nil
}

func (s *windowedSource) Ready() bool { return s.ready }

func (s *windowedSource) Read() []float64 {
	if !s.ready {
		return nil
	}
	s.ready = false
	return s.power.PowerSpectrum(s.latest)
}

func (s *windowedSource) Reset() {
	s.ptr = 0
	s.ready = false
}
