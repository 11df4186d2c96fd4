// Package inspector implements per-channel signal inspection: a demodulator
// class turns incoming baseband batches into output samples, which are
// buffered and flushed as messages, while spectrum sources and estimators
// report on the same stream at fixed intervals.
//
// Inspectors are created and tracked by a Factory. They are fed by one
// processing goroutine at a time and configured concurrently from others.
package inspector

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoSuscan/internal/channelizer"
	"github.com/rjboer/GoSuscan/internal/dsp"
	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/remote"
)

var (
	ErrUnknownClass     = errors.New("inspector: unknown class")
	ErrInvalidWatermark = errors.New("inspector: invalid sample watermark")
	ErrInvalidConfig    = errors.New("inspector: invalid configuration")
	ErrInvalidArgument  = errors.New("inspector: invalid argument")
	ErrBufferFull       = errors.New("inspector: sampler buffer full")
	ErrHalted           = errors.New("inspector: halted")
	ErrGone             = errors.New("inspector: no such inspector")
)

// Queue carries encoded messages out of inspectors.
type Queue = mq.Queue[*growbuf.Buffer]

// BatchError reports a demodulator failure part way through a batch.
// Messages emitted before the failure stay queued.
type BatchError struct {
	Processed int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("inspector: batch failed after %d samples: %v", e.Processed, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// State is the inspector lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateHalting
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateHalting:
		return "halting"
	case StateHalted:
		return "halted"
	}
	return "unknown"
}

// SamplingInfo describes the stream an inspector is fed with.
type SamplingInfo struct {
	EquivFs   float64
	Bandwidth float64
	F0        float64
}

func (si SamplingInfo) wire() *remote.SamplingInfo {
	return &remote.SamplingInfo{EquivFs: si.EquivFs, Bandwidth: si.Bandwidth, F0: si.F0}
}

type estimatorSlot struct {
	est     Estimator
	enabled bool
}

// Inspector is one live inspection pipeline.
//
// Lock order: mu first; correctorMu and scMu are never held together;
// sampMu is innermost.
type Inspector struct {
	mu sync.Mutex

	factory  *Factory
	handle   int32
	id       atomic.Uint32
	class    string
	userdata any
	out, ctl *Queue
	state    atomic.Int32
	refs     atomic.Int32
	done     chan struct{}
	doneOnce sync.Once

	opts   options
	logger logging.Logger

	demod           demodulator
	schema          Schema
	config          Config
	pending         Config
	paramsRequested bool
	bandwidthNotice bool
	newBandwidth    float64
	ring            *Ring
	estimators      []estimatorSlot
	spectra         []SpectrumSource
	spectrumIdx     int
	intervals       Intervals
	lastEstimator   time.Time
	lastSpectrum    time.Time
	lastOrbitReport time.Time
	absFreq         float64
	correctionNCO   *dsp.NCO
	corrected       []complex64
	batchAt         time.Time
	destroyed       bool

	correctorMu sync.Mutex
	corrector   Corrector

	scMu      sync.Mutex
	scTuner   *channelizer.Tuner
	scFactory *Factory
	scLinks   map[*channelizer.Channel]*Inspector

	sampMu sync.RWMutex
	samp   SamplingInfo
}

// New builds an inspector of the given class. owner may be nil for a
// standalone instance; out receives the inspector messages and ctl, when not
// nil, lifecycle notifications.
func New(owner *Factory, class string, si SamplingInfo, out, ctl *Queue, userdata any, opts ...Option) (*Inspector, error) {
	if si.EquivFs <= 0 {
		return nil, fmt.Errorf("%w: sample rate %g", ErrInvalidArgument, si.EquivFs)
	}
	if si.Bandwidth <= 0 || si.Bandwidth > si.EquivFs {
		si.Bandwidth = si.EquivFs
	}
	demod, err := newDemodulator(class, si)
	if err != nil {
		return nil, err
	}
	o := resolve(opts)

	insp := &Inspector{
		factory:       owner,
		handle:        -1,
		class:         class,
		userdata:      userdata,
		out:           out,
		ctl:           ctl,
		done:          make(chan struct{}),
		opts:          o,
		demod:         demod,
		schema:        demod.schema(),
		config:        demod.schema().Defaults(),
		ring:          NewRing(o.samplerSize),
		spectrumIdx:   -1,
		intervals:     o.intervals,
		correctionNCO: dsp.NewNCO(0),
		samp:          si,
	}
	insp.logger = o.logger.With(logging.F("subsystem", "inspector"), logging.F("class", class))
	insp.demod.apply(insp.config)
	if err := insp.ring.SetWatermark(o.watermark); err != nil {
		return nil, err
	}
	for _, name := range []string{EstimatorBaudNonlinear, EstimatorPower} {
		est, err := newEstimator(name, si.EquivFs)
		if err != nil {
			return nil, err
		}
		insp.estimators = append(insp.estimators, estimatorSlot{est: est})
	}
	for _, name := range spectrumSourceNames() {
		src, err := newSpectrumSource(name, o.spectrumSize)
		if err != nil {
			return nil, err
		}
		insp.spectra = append(insp.spectra, src)
	}
	insp.refs.Store(1)
	insp.state.Store(int32(StateCreated))
	return insp, nil
}

// Handle returns the factory handle, or -1 for a standalone inspector.
func (i *Inspector) Handle() int32 { return i.handle }

// ID returns the client-assigned identifier.
func (i *Inspector) ID() uint32 { return i.id.Load() }

// SetID sets the client-assigned identifier echoed in every message.
func (i *Inspector) SetID(id uint32) { i.id.Store(id) }

// Class returns the demodulator class name.
func (i *Inspector) Class() string { return i.class }

// Userdata returns the opaque value given at construction.
func (i *Inspector) Userdata() any { return i.userdata }

// Factory returns the owning factory.
func (i *Inspector) Factory() *Factory { return i.factory }

// State returns the lifecycle state.
func (i *Inspector) State() State { return State(i.state.Load()) }

// Done is closed once the inspector reaches StateHalted.
func (i *Inspector) Done() <-chan struct{} { return i.done }

// SamplingInfo returns the current sampling description.
func (i *Inspector) SamplingInfo() SamplingInfo {
	i.sampMu.RLock()
	defer i.sampMu.RUnlock()
	return i.samp
}

// Schema returns the configuration schema of the inspector class.
func (i *Inspector) Schema() Schema { return i.schema }

// GetConfig returns a copy of the active configuration.
func (i *Inspector) GetConfig() Config {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.config.Clone()
}

// SetConfig validates update and schedules it for the next batch boundary.
// Updates requested before that boundary accumulate.
func (i *Inspector) SetConfig(update Config) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return ErrHalted
	}
	base := i.config
	if i.paramsRequested {
		base = i.pending
	}
	merged, err := i.schema.Merge(base, update)
	if err != nil {
		return err
	}
	i.pending = merged
	i.paramsRequested = true
	return nil
}

// NotifyBandwidth schedules a bandwidth change for the next batch boundary.
func (i *Inspector) NotifyBandwidth(bw float64) error {
	if bw <= 0 || bw > i.SamplingInfo().EquivFs {
		return fmt.Errorf("%w: bandwidth %g", ErrInvalidArgument, bw)
	}
	i.mu.Lock()
	i.newBandwidth = bw
	i.bandwidthNotice = true
	i.mu.Unlock()
	return nil
}

// SetWatermark sets how many output samples trigger a samples message.
func (i *Inspector) SetWatermark(n int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ring.SetWatermark(n)
}

// Watermark returns the current sample watermark.
func (i *Inspector) Watermark() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ring.Watermark()
}

// Avail returns the free room in the sampler ring.
func (i *Inspector) Avail() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ring.Avail()
}

// OutputLength returns the number of buffered output samples.
func (i *Inspector) OutputLength() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ring.Len()
}

// SetAbsFreq sets the absolute frequency handed to the corrector.
func (i *Inspector) SetAbsFreq(hz float64) {
	i.mu.Lock()
	i.absFreq = hz
	i.mu.Unlock()
}

// SetIntervals changes the periodic message intervals.
func (i *Inspector) SetIntervals(iv Intervals) {
	i.mu.Lock()
	i.intervals = iv
	i.mu.Unlock()
}

// SetSpectrumSource selects the spectrum source by name. An empty name
// disables spectrum updates.
func (i *Inspector) SetSpectrumSource(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if name == "" {
		i.spectrumIdx = -1
		return nil
	}
	for idx, src := range i.spectra {
		if src.Name() == name {
			if idx != i.spectrumIdx {
				src.Reset()
			}
			i.spectrumIdx = idx
			return nil
		}
	}
	return fmt.Errorf("%w: unknown spectrum source %q", ErrInvalidArgument, name)
}

// SetEstimatorEnabled turns an estimator on or off.
func (i *Inspector) SetEstimatorEnabled(name string, enabled bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.estimators {
		if i.estimators[idx].est.Name() == name {
			if enabled && !i.estimators[idx].enabled {
				i.estimators[idx].est.Reset()
			}
			i.estimators[idx].enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: unknown estimator %q", ErrInvalidArgument, name)
}

// SetCorrector attaches c, replacing any previous corrector.
func (i *Inspector) SetCorrector(c Corrector) {
	i.correctorMu.Lock()
	i.corrector = c
	i.correctorMu.Unlock()
}

// DisableCorrector removes the corrector.
func (i *Inspector) DisableCorrector() {
	i.SetCorrector(nil)
}

// Correction asks the corrector for the offset at time at.
func (i *Inspector) Correction(at time.Time, absFreq float64) (float64, bool) {
	i.correctorMu.Lock()
	defer i.correctorMu.Unlock()
	if i.corrector == nil {
		return 0, false
	}
	return i.corrector.Correction(at, absFreq)
}

// Reset clears the demodulator, sampler and analysis state.
func (i *Inspector) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return
	}
	i.demod.reset()
	i.ring.Reset()
	for _, s := range i.estimators {
		s.est.Reset()
	}
	for _, src := range i.spectra {
		src.Reset()
	}
}

// Halt asks the feeding goroutine to stop at its next batch boundary.
// An inspector that was never fed halts immediately.
func (i *Inspector) Halt() {
	for {
		switch s := i.State(); s {
		case StateCreated:
			if i.state.CompareAndSwap(int32(StateCreated), int32(StateHalted)) {
				i.halted()
				return
			}
		case StateRunning:
			if i.state.CompareAndSwap(int32(StateRunning), int32(StateHalting)) {
				return
			}
		default:
			return
		}
	}
}

// forceHalt moves straight to StateHalted once any in-flight batch is over.
func (i *Inspector) forceHalt() {
	i.mu.Lock()
	prev := State(i.state.Swap(int32(StateHalted)))
	i.mu.Unlock()
	if prev != StateHalted {
		i.halted()
	}
}

func (i *Inspector) halted() {
	i.doneOnce.Do(func() {
		close(i.done)
		i.logger.Debug("inspector halted", logging.F("handle", i.handle))
		if err := i.send(i.ctl, remote.KindHalt, &remote.InspectorMessage{}); err != nil && !errors.Is(err, mq.ErrClosed) {
			i.logger.Warn("halt notification failed", logging.F("error", err))
		}
	})
}

// enterBatch applies the boundary transitions. It returns ErrHalted when the
// batch must not run.
func (i *Inspector) enterBatch() error {
	for {
		switch i.State() {
		case StateHalting:
			i.state.Store(int32(StateHalted))
			i.halted()
			return ErrHalted
		case StateHalted:
			return ErrHalted
		case StateCreated:
			if !i.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
				continue
			}
		}
		return nil
	}
}

func (i *Inspector) ref() { i.refs.Add(1) }

func (i *Inspector) unref() {
	if i.refs.Add(-1) == 0 {
		i.destroy()
	}
}

// destroy waits for any in-flight batch and releases everything the
// inspector owns.
func (i *Inspector) destroy() {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return
	}
	i.destroyed = true
	prev := State(i.state.Swap(int32(StateHalted)))
	i.demod = nil
	i.estimators = nil
	i.spectra = nil
	i.spectrumIdx = -1

	i.scMu.Lock()
	sub := i.scFactory
	i.scFactory, i.scTuner, i.scLinks = nil, nil, nil
	i.scMu.Unlock()
	i.mu.Unlock()

	if sub != nil {
		sub.CloseAll()
	}
	if prev != StateHalted {
		i.halted()
	}
}

// FeedBulk processes one batch of samples taken at time at. It returns the
// number of samples consumed. A demodulator failure is reported as a
// *BatchError; a halted inspector returns ErrHalted without consuming.
func (i *Inspector) FeedBulk(x []complex64, at time.Time) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.destroyed {
		return 0, ErrHalted
	}
	if err := i.enterBatch(); err != nil {
		return 0, err
	}
	start := i.opts.clock.Now()
	i.applyPendingLocked()

	samples := i.correctLocked(x, at)

	i.batchAt = at
	if err := i.feedSubcarriersLocked(samples); err != nil {
		i.logger.Warn("subcarrier feed failed", logging.F("error", err))
	}

	n, err := i.demod.feed(samples, i.emitSampleLocked)
	if err != nil {
		i.opts.metrics.ObserveBatch(i.opts.clock.Since(start), true)
		return n, &BatchError{Processed: n, Err: err}
	}

	now := i.opts.clock.Now()
	i.spectrumLoopLocked(samples, now)
	i.estimatorLoopLocked(samples, now)
	i.orbitReportLocked(at, now)
	i.opts.metrics.ObserveBatch(i.opts.clock.Since(start), false)
	return len(x), nil
}

func (i *Inspector) applyPendingLocked() {
	if i.bandwidthNotice {
		i.bandwidthNotice = false
		i.demod.setBandwidth(i.newBandwidth)
		i.sampMu.Lock()
		i.samp.Bandwidth = i.newBandwidth
		i.sampMu.Unlock()
	}
	if i.paramsRequested {
		i.paramsRequested = false
		i.config = i.pending
		i.pending = nil
		i.demod.apply(i.config)
	}
}

func (i *Inspector) correctLocked(x []complex64, at time.Time) []complex64 {
	hz, ok := i.Correction(at, i.absFreq)
	if !ok || hz == 0 {
		return x
	}
	i.correctionNCO.SetFreq(dsp.Shift(hz, i.SamplingInfo().EquivFs))
	i.corrected = append(i.corrected[:0], x...)
	i.correctionNCO.Downconvert(i.corrected)
	return i.corrected
}

func (i *Inspector) emitSampleLocked(x complex64) error {
	if err := i.ring.Push(x); err != nil {
		if ferr := i.flushSamplesLocked(); ferr != nil {
			return ferr
		}
		if err := i.ring.Push(x); err != nil {
			return err
		}
	}
	if i.ring.Due() {
		return i.flushSamplesLocked()
	}
	return nil
}

func (i *Inspector) flushSamplesLocked() error {
	if i.ring.Len() == 0 {
		return nil
	}
	msg := &remote.InspectorMessage{Samples: remote.InterleaveIQ(i.ring.Output())}
	i.ring.Reset()
	return i.send(i.out, remote.KindSamples, msg)
}

func (i *Inspector) spectrumLoopLocked(x []complex64, now time.Time) {
	if i.spectrumIdx < 0 {
		return
	}
	src := i.spectra[i.spectrumIdx]
	if err := src.Feed(x); err != nil {
		i.logger.Warn("spectrum source failed", logging.F("source", src.Name()), logging.F("error", err))
		return
	}
	if i.intervals.Spectrum <= 0 || !src.Ready() || now.Sub(i.lastSpectrum) < i.intervals.Spectrum {
		return
	}
	i.lastSpectrum = now
	data := src.Read()
	msg := &remote.InspectorMessage{Spectrum: &remote.SpectrumUpdate{
		Source:  src.Name(),
		EquivFs: i.SamplingInfo().EquivFs,
		Data:    dsp.ToFloat32(data),
	}}
	if err := i.send(i.out, remote.KindSpectrum, msg); err != nil {
		i.logger.Warn("spectrum message dropped", logging.F("error", err))
	}
}

func (i *Inspector) estimatorLoopLocked(x []complex64, now time.Time) {
	active := false
	for _, s := range i.estimators {
		if !s.enabled {
			continue
		}
		active = true
		if err := s.est.Feed(x); err != nil {
			i.logger.Warn("estimator failed", logging.F("estimator", s.est.Name()), logging.F("error", err))
		}
	}
	if !active || i.intervals.Estimator <= 0 || now.Sub(i.lastEstimator) < i.intervals.Estimator {
		return
	}
	i.lastEstimator = now
	for _, s := range i.estimators {
		if !s.enabled {
			continue
		}
		v, ok := s.est.Read()
		msg := &remote.InspectorMessage{Estimator: &remote.EstimatorUpdate{Name: s.est.Name(), Value: v, Valid: ok}}
		if err := i.send(i.out, remote.KindEstimator, msg); err != nil {
			i.logger.Warn("estimator message dropped", logging.F("error", err))
		}
	}
}

func (i *Inspector) orbitReportLocked(at, now time.Time) {
	if i.intervals.OrbitReport <= 0 || now.Sub(i.lastOrbitReport) < i.intervals.OrbitReport {
		return
	}
	hz, ok := i.Correction(at, i.absFreq)
	if !ok {
		return
	}
	i.lastOrbitReport = now
	msg := &remote.InspectorMessage{Orbit: &remote.OrbitReport{Correction: hz, Timestamp: at.UnixNano()}}
	if err := i.send(i.out, remote.KindOrbitReport, msg); err != nil {
		i.logger.Warn("orbit report dropped", logging.F("error", err))
	}
}

// send encodes msg as an inspector message of the given kind and queues it.
func (i *Inspector) send(q *Queue, kind remote.Kind, msg *remote.InspectorMessage) error {
	if q == nil {
		return nil
	}
	msg.InspectorID = i.ID()
	msg.Handle = i.handle
	buf := growbuf.New(64 + 4*len(msg.Samples))
	if err := remote.EncodeInspectorMessage(buf, kind, msg); err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return q.Push(uint32(remote.MessageInspector), buf)
}

// describe fills the fields announcing the inspector to clients.
func (i *Inspector) describe(msg *remote.InspectorMessage) *remote.InspectorMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	msg.Class = i.class
	msg.SamplingInfo = i.SamplingInfo().wire()
	msg.Config = i.config.Clone()
	msg.Watermark = uint64(i.ring.Watermark())
	for _, s := range i.estimators {
		msg.Estimators = append(msg.Estimators, s.est.Name())
	}
	for _, src := range i.spectra {
		msg.Spectra = append(msg.Spectra, src.Name())
	}
	return msg
}

// OpenSubcarrier opens a channel of bandwidth bw at offset fc inside this
// inspector's stream and attaches a child inspector of the given class to
// it. The child lives in the inspector's subcarrier factory.
func (i *Inspector) OpenSubcarrier(class string, fc, bw float64, userdata any) (*Inspector, error) {
	si := i.SamplingInfo()

	i.scMu.Lock()
	defer i.scMu.Unlock()
	if i.scTuner == nil {
		tuner, err := channelizer.New(si.EquivFs)
		if err != nil {
			return nil, err
		}
		i.scTuner = tuner
		i.scFactory = NewFactory(i.out, i.ctl, withResolved(i.opts), withParent(i))
		i.scLinks = make(map[*channelizer.Channel]*Inspector)
	}

	sub := i.scFactory
	handle := int32(-1)
	ch, err := i.scTuner.OpenChannel(channelizer.Params{Fc: fc, Bw: bw}, func(_ *channelizer.Channel, x []complex64) error {
		_, err := sub.Feed(handle, x, i.batchAt)
		if errors.Is(err, ErrHalted) || errors.Is(err, ErrGone) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	child, err := sub.Open(class, SamplingInfo{EquivFs: ch.EquivFs(), Bandwidth: bw, F0: fc}, userdata)
	if err != nil {
		_ = i.scTuner.CloseChannel(ch)
		return nil, err
	}
	handle = child.Handle()
	i.scLinks[ch] = child
	return child, nil
}

// CloseSubcarrier detaches and closes a child opened with OpenSubcarrier.
func (i *Inspector) CloseSubcarrier(child *Inspector) error {
	if !i.detachSubcarrier(child) {
		return ErrGone
	}
	return child.factory.close(child)
}

// detachSubcarrier closes the channel feeding child. It reports whether
// child was attached.
func (i *Inspector) detachSubcarrier(child *Inspector) bool {
	i.scMu.Lock()
	defer i.scMu.Unlock()
	for ch, c := range i.scLinks {
		if c == child {
			delete(i.scLinks, ch)
			_ = i.scTuner.CloseChannel(ch)
			return true
		}
	}
	return false
}

// SubcarrierCount returns the number of open subcarrier channels.
func (i *Inspector) SubcarrierCount() int {
	i.scMu.Lock()
	defer i.scMu.Unlock()
	if i.scTuner == nil {
		return 0
	}
	return i.scTuner.ChannelCount()
}

// WalkSubcarriers visits the child inspectors. It stops early and returns
// false when fn returns false.
func (i *Inspector) WalkSubcarriers(fn func(*Inspector) bool) bool {
	i.scMu.Lock()
	sub := i.scFactory
	i.scMu.Unlock()
	if sub == nil {
		return true
	}
	return sub.Walk(fn)
}

func (i *Inspector) feedSubcarriersLocked(x []complex64) error {
	i.scMu.Lock()
	defer i.scMu.Unlock()
	if i.scTuner == nil || i.scTuner.ChannelCount() == 0 {
		return nil
	}
	err := i.scTuner.Feed(x)
	for ch, child := range i.scLinks {
		if child.State() == StateHalted {
			delete(i.scLinks, ch)
			_ = i.scTuner.CloseChannel(ch)
		}
	}
	return err
}
