package inspector

import "time"

// Corrector supplies a frequency correction for the samples taken at a given
// time, e.g. to follow Doppler shift. A false ok means no correction is
// available for that instant.
type Corrector interface {
	Correction(at time.Time, absFreq float64) (hz float64, ok bool)
}

// CorrectorFunc adapts a function to Corrector.
type CorrectorFunc func(at time.Time, absFreq float64) (float64, bool)

func (f CorrectorFunc) Correction(at time.Time, absFreq float64) (float64, bool) {
	return f(at, absFreq)
}

// FixedCorrector applies the same offset at all times.
type FixedCorrector float64

func (c FixedCorrector) Correction(time.Time, float64) (float64, bool) {
	return float64(c), true
}
