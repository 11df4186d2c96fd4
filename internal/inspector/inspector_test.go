package inspector

import (
	"math"
	"math/cmplx"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/remote"
)

type outMsg struct {
	kind remote.Kind
	msg  *remote.InspectorMessage
}

func drain(t *testing.T, q *Queue) []outMsg {
	t.Helper()
	var out []outMsg
	for _, m := range q.Drain() {
		require.Equal(t, uint32(remote.MessageInspector), m.Tag)
		kind, msg, err := remote.DecodeInspectorMessage(m.Payload.Bytes())
		require.NoError(t, err)
		out = append(out, outMsg{kind: kind, msg: msg})
	}
	return out
}

func ofKind(msgs []outMsg, kind remote.Kind) []*remote.InspectorMessage {
	var out []*remote.InspectorMessage
	for _, m := range msgs {
		if m.kind == kind {
			out = append(out, m.msg)
		}
	}
	return out
}

func ramp(n int) []complex64 {
	x := make([]complex64, n)
	for i := range x {
		x[i] = complex(float32(i), float32(-i))
	}
	return x
}

func tone(n int, fs, hz float64) []complex64 {
	x := make([]complex64, n)
	for i := range x {
		x[i] = complex64(cmplx.Rect(1, 2*math.Pi*hz/fs*float64(i)))
	}
	return x
}

func newRaw(t *testing.T, fs float64, opts ...Option) (*Inspector, *Queue, *Queue) {
	t.Helper()
	out, ctl := mq.New[*growbuf.Buffer](), mq.New[*growbuf.Buffer]()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	insp, err := New(nil, ClassRaw, SamplingInfo{EquivFs: fs, Bandwidth: fs}, out, ctl, nil, opts...)
	require.NoError(t, err)
	return insp, out, ctl
}

func TestNewRejectsUnknownClassAndRate(t *testing.T) {
	_, err := New(nil, "morse", SamplingInfo{EquivFs: 1000}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownClass)
	_, err = New(nil, ClassRaw, SamplingInfo{}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	for _, class := range Classes() {
		insp, err := New(nil, class, SamplingInfo{EquivFs: 48000, Bandwidth: 10000}, nil, nil, nil, WithLogger(logging.Nop()))
		require.NoError(t, err, class)
		assert.Equal(t, StateCreated, insp.State())
		assert.NotEmpty(t, insp.Schema())
	}
}

func TestRingFullIsIdempotentFailure(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Push(complex(float32(i), 0)))
	}
	before := append([]complex64(nil), r.Output()...)
	for attempt := 0; attempt < 3; attempt++ {
		assert.ErrorIs(t, r.Push(99), ErrBufferFull)
		assert.Equal(t, 4, r.Len())
		assert.Equal(t, 0, r.Avail())
		assert.Equal(t, before, r.Output())
	}
	r.Reset()
	assert.Equal(t, 4, r.Avail())
}

func TestWatermarkBounds(t *testing.T) {
	insp, _, _ := newRaw(t, 1000)
	assert.ErrorIs(t, insp.SetWatermark(0), ErrInvalidWatermark)
	assert.ErrorIs(t, insp.SetWatermark(DefaultSamplerSize+1), ErrInvalidWatermark)
	assert.Equal(t, DefaultWatermark, insp.Watermark(), "rejected values leave the watermark alone")
	require.NoError(t, insp.SetWatermark(DefaultSamplerSize))
	assert.Equal(t, DefaultSamplerSize, insp.Watermark())
}

func TestNewRejectsOutOfRangeWatermark(t *testing.T) {
	for _, wm := range []int{0, -1, 65} {
		_, err := New(nil, ClassRaw, SamplingInfo{EquivFs: 1000}, nil, nil, nil,
			WithLogger(logging.Nop()), WithSamplerSize(64), WithWatermark(wm))
		assert.ErrorIs(t, err, ErrInvalidWatermark, "watermark %d", wm)
	}

	insp, err := New(nil, ClassRaw, SamplingInfo{EquivFs: 1000}, nil, nil, nil,
		WithLogger(logging.Nop()), WithSamplerSize(64), WithWatermark(64))
	require.NoError(t, err)
	assert.Equal(t, 64, insp.Watermark())

	// The default watermark still follows a smaller sampler.
	insp, err = New(nil, ClassRaw, SamplingInfo{EquivFs: 1000}, nil, nil, nil,
		WithLogger(logging.Nop()), WithSamplerSize(64))
	require.NoError(t, err)
	assert.Equal(t, 64, insp.Watermark())
}

func TestSamplesConcatenateWithoutGaps(t *testing.T) {
	insp, out, _ := newRaw(t, 1000)
	require.NoError(t, insp.SetWatermark(100))

	x := ramp(1050)
	for off := 0; off < len(x); off += 37 {
		end := min(off+37, len(x))
		n, err := insp.FeedBulk(x[off:end], time.Now())
		require.NoError(t, err)
		require.Equal(t, end-off, n)
	}

	var got []complex64
	msgs := ofKind(drain(t, out), remote.KindSamples)
	require.Len(t, msgs, 10)
	for _, m := range msgs {
		s := remote.DeinterleaveIQ(m.Samples)
		assert.Len(t, s, 100)
		got = append(got, s...)
	}
	assert.Equal(t, x[:1000], got)
	assert.Equal(t, 50, insp.OutputLength())
	assert.Equal(t, StateRunning, insp.State())
}

func TestConfigAppliedAtBatchBoundary(t *testing.T) {
	insp, out, _ := newRaw(t, 1000, WithWatermark(4))
	require.NoError(t, insp.SetConfig(Config{"raw.gain": 2}))
	assert.Equal(t, 1.0, insp.GetConfig().Float("raw.gain"), "pending until the next batch")

	_, err := insp.FeedBulk([]complex64{1, 2, 3, 4}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2.0, insp.GetConfig().Float("raw.gain"))

	msgs := ofKind(drain(t, out), remote.KindSamples)
	require.Len(t, msgs, 1)
	assert.Equal(t, []complex64{2, 4, 6, 8}, remote.DeinterleaveIQ(msgs[0].Samples))
}

func TestSetConfigValidation(t *testing.T) {
	insp, _, _ := newRaw(t, 1000)
	assert.ErrorIs(t, insp.SetConfig(Config{"nope": 1.0}), ErrInvalidConfig)
	assert.ErrorIs(t, insp.SetConfig(Config{"raw.gain": "loud"}), ErrInvalidConfig)
	assert.ErrorIs(t, insp.SetConfig(Config{"raw.gain": -1.0}), ErrInvalidArgument)
	assert.Equal(t, 1.0, insp.GetConfig().Float("raw.gain"))

	audio, err := New(nil, ClassAudio, SamplingInfo{EquivFs: 48000}, nil, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, audio.SetConfig(Config{"audio.demodulator": "CW"}), ErrInvalidArgument)
	assert.NoError(t, audio.SetConfig(Config{"audio.demodulator": "USB", "audio.cutoff": uint64(3000)}))
}

func TestBandwidthLatched(t *testing.T) {
	insp, _, _ := newRaw(t, 1000)
	assert.ErrorIs(t, insp.NotifyBandwidth(0), ErrInvalidArgument)
	require.NoError(t, insp.NotifyBandwidth(250))
	assert.Equal(t, 1000.0, insp.SamplingInfo().Bandwidth)

	_, err := insp.FeedBulk(make([]complex64, 8), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 250.0, insp.SamplingInfo().Bandwidth)
}

func TestHaltObservedAtBatchBoundary(t *testing.T) {
	insp, _, ctl := newRaw(t, 1000)
	_, err := insp.FeedBulk(make([]complex64, 16), time.Now())
	require.NoError(t, err)

	insp.Halt()
	assert.Equal(t, StateHalting, insp.State())
	select {
	case <-insp.Done():
		t.Fatalf("done closed before the boundary")
	default:
	}

	n, err := insp.FeedBulk(make([]complex64, 16), time.Now())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 0, n)
	assert.Equal(t, StateHalted, insp.State())
	<-insp.Done()

	_, err = insp.FeedBulk(make([]complex64, 16), time.Now())
	assert.ErrorIs(t, err, ErrHalted)

	require.Len(t, ofKind(drain(t, ctl), remote.KindHalt), 1)
}

func TestHaltBeforeFirstBatch(t *testing.T) {
	insp, _, _ := newRaw(t, 1000)
	insp.Halt()
	assert.Equal(t, StateHalted, insp.State())
	_, err := insp.FeedBulk(make([]complex64, 4), time.Now())
	assert.ErrorIs(t, err, ErrHalted)
}

func TestDestroyWaitsForInFlightBatch(t *testing.T) {
	insp, _, _ := newRaw(t, 1000)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	insp.SetCorrector(CorrectorFunc(func(time.Time, float64) (float64, bool) {
		once.Do(func() { close(entered) })
		<-release
		return 0, false
	}))

	fed := make(chan error, 1)
	go func() {
		_, err := insp.FeedBulk(make([]complex64, 32), time.Now())
		fed <- err
	}()
	<-entered

	destroyed := make(chan struct{})
	go func() {
		insp.unref()
		close(destroyed)
	}()

	select {
	case <-destroyed:
		t.Fatalf("destroy ran while a batch was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-fed)
	<-destroyed
	assert.Equal(t, StateHalted, insp.State())
	_, err := insp.FeedBulk(make([]complex64, 4), time.Now())
	assert.ErrorIs(t, err, ErrHalted)
}

func TestCorrectorShiftsStream(t *testing.T) {
	insp, out, _ := newRaw(t, 1000, WithWatermark(200))
	insp.SetCorrector(FixedCorrector(100))
	_, err := insp.FeedBulk(tone(200, 1000, 100), time.Now())
	require.NoError(t, err)

	msgs := ofKind(drain(t, out), remote.KindSamples)
	require.Len(t, msgs, 1)
	for _, v := range remote.DeinterleaveIQ(msgs[0].Samples) {
		assert.InDelta(t, 1.0, real(v), 1e-3)
		assert.InDelta(t, 0.0, imag(v), 1e-3)
	}
}

func TestInvalidCorrectionSkipsBatch(t *testing.T) {
	insp, out, _ := newRaw(t, 1000, WithWatermark(8))
	insp.SetCorrector(CorrectorFunc(func(time.Time, float64) (float64, bool) { return 250, false }))
	x := tone(8, 1000, 100)
	_, err := insp.FeedBulk(x, time.Now())
	require.NoError(t, err)

	msgs := ofKind(drain(t, out), remote.KindSamples)
	require.Len(t, msgs, 1)
	assert.Equal(t, x, remote.DeinterleaveIQ(msgs[0].Samples))

	insp.DisableCorrector()
	_, ok := insp.Correction(time.Now(), 0)
	assert.False(t, ok)
}

func TestSpectrumLoopHonoursInterval(t *testing.T) {
	mock := clock.NewMock()
	insp, out, _ := newRaw(t, 1000,
		WithClock(mock),
		WithSpectrumSize(64),
		WithWatermark(DefaultSamplerSize),
		WithIntervals(Intervals{Spectrum: time.Second}),
	)
	assert.ErrorIs(t, insp.SetSpectrumSource("waterfall"), ErrInvalidArgument)
	require.NoError(t, insp.SetSpectrumSource(SpectrumPSD))

	x := tone(64, 1000, 125)
	feed := func() {
		_, err := insp.FeedBulk(x, time.Now())
		require.NoError(t, err)
	}

	feed()
	spectra := ofKind(drain(t, out), remote.KindSpectrum)
	require.Len(t, spectra, 1)
	assert.Equal(t, SpectrumPSD, spectra[0].Spectrum.Source)
	assert.Len(t, spectra[0].Spectrum.Data, 64)

	feed()
	assert.Empty(t, ofKind(drain(t, out), remote.KindSpectrum))

	mock.Add(time.Second)
	feed()
	assert.Len(t, ofKind(drain(t, out), remote.KindSpectrum), 1)
}

func TestEstimatorLoop(t *testing.T) {
	mock := clock.NewMock()
	insp, out, _ := newRaw(t, 1000, WithClock(mock), WithIntervals(Intervals{Estimator: time.Second}))
	assert.ErrorIs(t, insp.SetEstimatorEnabled("snr", true), ErrInvalidArgument)

	_, err := insp.FeedBulk(tone(100, 1000, 50), time.Now())
	require.NoError(t, err)
	assert.Empty(t, ofKind(drain(t, out), remote.KindEstimator), "estimators start disabled")

	require.NoError(t, insp.SetEstimatorEnabled(EstimatorPower, true))
	_, err = insp.FeedBulk(tone(100, 1000, 50), time.Now())
	require.NoError(t, err)
	est := ofKind(drain(t, out), remote.KindEstimator)
	require.Len(t, est, 1)
	assert.Equal(t, EstimatorPower, est[0].Estimator.Name)
	assert.True(t, est[0].Estimator.Valid)
	assert.InDelta(t, 0.0, est[0].Estimator.Value, 1e-3)
}

func TestBaudEstimatorFindsSymbolRate(t *testing.T) {
	const fs, baud = 8000.0, 500.0
	est, err := newEstimator(EstimatorBaudNonlinear, fs)
	require.NoError(t, err)

	_, ok := est.Read()
	assert.False(t, ok)

	// Alternating symbols with a raised-cosine transition; the squared
	// difference has a single line at the symbol rate.
	x := make([]complex64, 4096)
	for i := range x {
		x[i] = complex(float32(math.Cos(math.Pi*baud*float64(i)/fs)), 0)
	}
	require.NoError(t, est.Feed(x))
	v, ok := est.Read()
	require.True(t, ok)
	assert.InDelta(t, baud, v, fs/baudWindow*1.5)
}

func TestOrbitReport(t *testing.T) {
	insp, out, _ := newRaw(t, 1000, WithIntervals(Intervals{OrbitReport: time.Second}))
	at := time.Unix(1700000000, 0)
	insp.SetAbsFreq(437e6)
	var gotFreq float64
	insp.SetCorrector(CorrectorFunc(func(_ time.Time, abs float64) (float64, bool) {
		gotFreq = abs
		return 0, true
	}))
	_, err := insp.FeedBulk(make([]complex64, 4), at)
	require.NoError(t, err)
	assert.Equal(t, 437e6, gotFreq)

	reports := ofKind(drain(t, out), remote.KindOrbitReport)
	require.Len(t, reports, 1)
	assert.Equal(t, at.UnixNano(), reports[0].Orbit.Timestamp)
}

func TestBatchErrorReportsProcessedCount(t *testing.T) {
	insp, out, _ := newRaw(t, 1000, WithWatermark(10))
	out.Close()
	n, err := insp.FeedBulk(ramp(25), time.Now())
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, mq.ErrClosed)
	assert.Equal(t, 9, n)
	assert.Equal(t, 9, be.Processed)
}

func TestSubcarrierInspection(t *testing.T) {
	const fs = 48000.0
	insp, out, _ := newRaw(t, fs)
	assert.Equal(t, 0, insp.SubcarrierCount())

	_, err := insp.OpenSubcarrier(ClassRaw, 30000, 2000, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	child, err := insp.OpenSubcarrier(ClassRaw, 6000, 2000, "sc")
	require.NoError(t, err)
	assert.Equal(t, 2000.0, child.SamplingInfo().EquivFs)
	assert.Equal(t, "sc", child.Userdata())
	assert.Same(t, insp, child.Factory().Parent())
	assert.Equal(t, 1, insp.SubcarrierCount())

	visited := 0
	assert.True(t, insp.WalkSubcarriers(func(*Inspector) bool { visited++; return true }))
	assert.Equal(t, 1, visited)

	_, err = insp.FeedBulk(tone(48000, fs, 6000), time.Now())
	require.NoError(t, err)

	msgs := drain(t, out)
	opens := ofKind(msgs, remote.KindOpen)
	require.Len(t, opens, 1)
	assert.Equal(t, child.Handle(), opens[0].Handle)

	childSamples := 0
	for _, m := range ofKind(msgs, remote.KindSamples) {
		if m.Handle == child.Handle() {
			childSamples += len(m.Samples) / 2
		}
	}
	assert.Equal(t, 2000/DefaultWatermark*DefaultWatermark, childSamples)

	child.Halt()
	_, err = insp.FeedBulk(tone(4800, fs, 6000), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, insp.SubcarrierCount(), "halted children are detached")
	assert.Equal(t, StateHalted, child.State())
}

func TestCloseSubcarrier(t *testing.T) {
	insp, _, _ := newRaw(t, 48000)
	child, err := insp.OpenSubcarrier(ClassFSK, -5000, 4000, nil)
	require.NoError(t, err)
	require.NoError(t, insp.CloseSubcarrier(child))
	assert.Equal(t, 0, insp.SubcarrierCount())
	assert.ErrorIs(t, insp.CloseSubcarrier(child), ErrGone)
	assert.Equal(t, StateHalted, child.State())
}

func TestResetClearsSampler(t *testing.T) {
	insp, _, _ := newRaw(t, 1000)
	_, err := insp.FeedBulk(ramp(10), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 10, insp.OutputLength())
	insp.Reset()
	assert.Equal(t, 0, insp.OutputLength())
	assert.Equal(t, DefaultSamplerSize, insp.Avail())
}

func TestClassesProduceOutput(t *testing.T) {
	x := tone(4800, 48000, 1000)
	for _, class := range Classes() {
		out := mq.New[*growbuf.Buffer]()
		insp, err := New(nil, class, SamplingInfo{EquivFs: 48000, Bandwidth: 8000}, out, nil, nil,
			WithLogger(logging.Nop()), WithWatermark(1))
		require.NoError(t, err, class)
		n, err := insp.FeedBulk(x, time.Now())
		require.NoError(t, err, class)
		assert.Equal(t, len(x), n, class)
		assert.NotZero(t, out.Len(), class)
	}
}
