// Package app runs the analyzer: it reads the sample source, feeds every
// live inspector and publishes the main spectrum.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/GoSuscan/internal/dsp"
	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/inspector"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/metrics"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/remote"
	"github.com/rjboer/GoSuscan/internal/sdr"
)

// Config captures analyzer level configuration.
type Config struct {
	// PSDInterval paces main-spectrum updates. Zero disables them.
	PSDInterval time.Duration
	PSDSize     int
	// Throttle paces non-realtime sources at their nominal sample rate.
	Throttle bool
}

// DefaultConfig returns the settings used by the server binary.
func DefaultConfig() Config {
	return Config{PSDInterval: 100 * time.Millisecond, PSDSize: 1024, Throttle: true}
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

func WithClock(c clock.Clock) Option {
	return func(a *Analyzer) {
		if c != nil {
			a.clock = c
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(a *Analyzer) { a.logger = logging.OrDefault(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// Analyzer wires a sample source into an inspector factory.
type Analyzer struct {
	src      sdr.Source
	factory  *inspector.Factory
	out, ctl *inspector.Queue
	cfg      Config
	clock    clock.Clock
	logger   logging.Logger
	metrics  *metrics.Metrics
	spectrum *dsp.CachedSpectrum
	eos      chan struct{}

	mu      sync.Mutex
	batches uint64
	samples uint64
	lastPSD time.Time
}

// NewAnalyzer returns an analyzer reading from an initialized src. Inspector
// messages and analyzer messages share out; ctl carries inspector halt
// notifications.
func NewAnalyzer(src sdr.Source, factory *inspector.Factory, out, ctl *inspector.Queue, cfg Config, opts ...Option) *Analyzer {
	a := &Analyzer{
		src:     src,
		factory: factory,
		out:     out,
		ctl:     ctl,
		cfg:     cfg,
		clock:   clock.New(),
		logger:  logging.Default(),
		eos:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(logging.F("subsystem", "analyzer"))
	if a.cfg.PSDSize <= 0 {
		a.cfg.PSDSize = DefaultConfig().PSDSize
	}
	a.spectrum = dsp.NewCachedSpectrum(a.cfg.PSDSize)
	return a
}

// SourceInfo describes the source for clients.
func (a *Analyzer) SourceInfo() remote.SourceInfo {
	info := a.src.Info()
	return remote.SourceInfo{
		Frequency:  info.Frequency,
		SampleRate: info.SampleRate,
		Bandwidth:  info.Bandwidth,
		Timestamp:  a.clock.Now().UnixNano(),
		Source:     info.Name,
		Realtime:   info.Realtime,
	}
}

// SamplingInfo is the sampling description new inspectors inherit by default.
func (a *Analyzer) SamplingInfo() inspector.SamplingInfo {
	info := a.src.Info()
	return inspector.SamplingInfo{EquivFs: info.SampleRate, Bandwidth: info.Bandwidth}
}

// Stats returns the number of batches and samples fed so far.
func (a *Analyzer) Stats() (batches, samples uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batches, a.samples
}

// EndOfStream is closed once the source has reported its end.
func (a *Analyzer) EndOfStream() <-chan struct{} { return a.eos }

// Run feeds the factory until ctx is canceled or a read fails. End of stream
// is announced with MessageEOS and is not an error: feeding stops, but
// inspector halts keep being handled until ctx ends. Read failures are
// announced with MessageReadError and returned.
func (a *Analyzer) Run(ctx context.Context) error {
	if err := a.publish(remote.MessageSourceInfo, a.SourceInfo()); err != nil {
		a.logger.Warn("source info not queued", logging.F("error", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.feedLoop(gctx) })
	g.Go(func() error { return a.controlLoop(gctx) })
	return g.Wait()
}

func (a *Analyzer) feedLoop(ctx context.Context) error {
	info := a.src.Info()
	pace := a.cfg.Throttle && !info.Realtime && info.SampleRate > 0
	next := a.clock.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		x, err := a.src.RX(ctx)
		switch {
		case errors.Is(err, sdr.ErrEndOfStream):
			a.logger.Info("end of stream", logging.F("source", info.Name))
			a.factory.StopFeeding()
			if err := a.publish(remote.MessageEOS, remote.EOS{Reason: "end of stream"}); err != nil {
				a.logger.Warn("eos not queued", logging.F("error", err))
			}
			close(a.eos)
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			a.logger.Error("source read failed", logging.F("error", err))
			_ = a.publish(remote.MessageReadError, remote.ReadError{Err: err.Error()})
			return fmt.Errorf("read source: %w", err)
		}
		if len(x) == 0 {
			continue
		}

		now := a.clock.Now()
		if err := a.factory.FeedAll(x, now); err != nil {
			a.logger.Warn("inspector feed failed", logging.F("error", err))
		}
		a.metrics.SamplesRead(len(x))
		a.mu.Lock()
		a.batches++
		a.samples += uint64(len(x))
		a.mu.Unlock()
		a.maybePSD(x, info, now)

		if pace {
			next = next.Add(time.Duration(float64(len(x)) / info.SampleRate * float64(time.Second)))
			if err := a.sleepUntil(ctx, next); err != nil {
				return nil
			}
		}
	}
}

func (a *Analyzer) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(a.clock.Now())
	if d <= 0 {
		return nil
	}
	timer := a.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Analyzer) maybePSD(x []complex64, info sdr.Info, now time.Time) {
	if a.cfg.PSDInterval <= 0 || len(x) < a.cfg.PSDSize {
		return
	}
	a.mu.Lock()
	due := a.lastPSD.IsZero() || now.Sub(a.lastPSD) >= a.cfg.PSDInterval
	if due {
		a.lastPSD = now
	}
	a.mu.Unlock()
	if !due {
		return
	}

	psd := remote.PSD{
		Frequency:  info.Frequency,
		SampleRate: info.SampleRate,
		Timestamp:  now.UnixNano(),
		Data:       dsp.ToFloat32(a.spectrum.PowerSpectrum(x[len(x)-a.cfg.PSDSize:])),
	}
	if err := a.publish(remote.MessagePSD, psd); err != nil && !errors.Is(err, mq.ErrClosed) {
		a.logger.Warn("psd not queued", logging.F("error", err))
	}
}

// controlLoop reacts to inspectors reaching the halted state. Inspectors
// still registered are closed, which announces them to clients; the rest
// have been released already and the notification is forwarded as is.
func (a *Analyzer) controlLoop(ctx context.Context) error {
	if a.ctl == nil {
		return nil
	}
	for {
		m, ok, err := a.ctl.PopContext(ctx)
		if err != nil || !ok {
			return nil
		}
		a.handleControl(m)
	}
}

func (a *Analyzer) handleControl(m mq.Message[*growbuf.Buffer]) {
	if m.Payload == nil {
		return
	}
	kind, msg, err := remote.DecodeInspectorMessage(m.Payload.Bytes())
	if err != nil || kind != remote.KindHalt {
		a.logger.Debug("ignoring control message", logging.F("kind", kind.String()), logging.F("error", err))
		m.Payload.Finalize()
		return
	}

	if insp, err := a.factory.Lookup(msg.Handle); err == nil && insp.State() == inspector.StateHalted {
		m.Payload.Finalize()
		if err := a.factory.Close(msg.Handle); err != nil {
			a.logger.Warn("close after halt failed", logging.F("handle", msg.Handle), logging.F("error", err))
		}
		return
	}
	if a.out == nil {
		m.Payload.Finalize()
		return
	}
	if err := a.out.Push(m.Tag, m.Payload); err != nil {
		m.Payload.Finalize()
	}
}

func (a *Analyzer) publish(mt remote.MessageType, body any) error {
	if a.out == nil {
		return nil
	}
	buf := growbuf.New(256)
	if err := remote.EncodeBody(buf, body); err != nil {
		return fmt.Errorf("encode %s: %w", mt, err)
	}
	return a.out.Push(uint32(mt), buf)
}
