package inspector

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/metrics"
)

const (
	DefaultSamplerSize = 4096
	DefaultWatermark   = 512
)

// Intervals set how often periodic inspector messages are emitted. A zero
// interval disables the corresponding message.
type Intervals struct {
	Estimator   time.Duration
	Spectrum    time.Duration
	OrbitReport time.Duration
}

// DefaultIntervals returns the intervals new inspectors start with.
func DefaultIntervals() Intervals {
	return Intervals{
		Estimator:   100 * time.Millisecond,
		Spectrum:    100 * time.Millisecond,
		OrbitReport: time.Second,
	}
}

type options struct {
	clock        clock.Clock
	logger       logging.Logger
	metrics      *metrics.Metrics
	samplerSize  int
	spectrumSize int
	watermark    int
	watermarkSet bool
	intervals    Intervals
	parent       *Inspector
}

func defaultOptions() options {
	return options{
		clock:        clock.New(),
		logger:       logging.Default(),
		samplerSize:  DefaultSamplerSize,
		spectrumSize: DefaultSpectrumSize,
		watermark:    DefaultWatermark,
		intervals:    DefaultIntervals(),
	}
}

// Option customizes inspectors and factories.
type Option func(*options)

// WithClock sets the clock used to pace periodic messages.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrDefault(l) }
}

// WithMetrics records batch timings and live inspector counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSamplerSize sets the sampler ring capacity.
func WithSamplerSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.samplerSize = n
		}
	}
}

// WithSpectrumSize sets the spectrum window length.
func WithSpectrumSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.spectrumSize = n
		}
	}
}

// WithWatermark sets the initial sample watermark. New rejects values
// outside 1..sampler size with ErrInvalidWatermark.
func WithWatermark(n int) Option {
	return func(o *options) {
		o.watermark = n
		o.watermarkSet = true
	}
}

// WithIntervals sets the initial message intervals.
func WithIntervals(iv Intervals) Option {
	return func(o *options) { o.intervals = iv }
}

func withResolved(src options) Option {
	return func(o *options) { *o = src }
}

func withParent(p *Inspector) Option {
	return func(o *options) { o.parent = p }
}

func resolve(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	// Only the default follows a smaller sampler; an explicit watermark is
	// validated by New.
	if !o.watermarkSet && o.watermark > o.samplerSize {
		o.watermark = o.samplerSize
	}
	return o
}
