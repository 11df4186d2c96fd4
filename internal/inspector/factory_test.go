package inspector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/metrics"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/remote"
)

func newTestFactory(t *testing.T, opts ...Option) (*Factory, *Queue, *Queue) {
	t.Helper()
	out, ctl := mq.New[*growbuf.Buffer](), mq.New[*growbuf.Buffer]()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	return NewFactory(out, ctl, opts...), out, ctl
}

func TestFactoryOpenAssignsHandles(t *testing.T) {
	m := metrics.New()
	f, out, _ := newTestFactory(t, WithMetrics(m))

	a, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	b, err := f.Open(ClassPSK, SamplingInfo{EquivFs: 48000, Bandwidth: 4800}, "b")
	require.NoError(t, err)

	assert.Equal(t, int32(0), a.Handle())
	assert.Equal(t, int32(1), b.Handle())
	assert.Equal(t, uint32(1), b.ID())
	assert.Same(t, f, a.Factory())
	assert.Nil(t, f.Parent())
	assert.Equal(t, 2, f.Len())

	opens := ofKind(drain(t, out), remote.KindOpen)
	require.Len(t, opens, 2)
	assert.Equal(t, ClassPSK, opens[1].Class)
	assert.Equal(t, int32(1), opens[1].Handle)
	assert.Equal(t, 4800.0, opens[1].SamplingInfo.Bandwidth)
	assert.Contains(t, opens[1].Config, "clock.baud")
	assert.Contains(t, opens[1].Spectra, SpectrumPSD)
	assert.Equal(t, uint64(DefaultWatermark), opens[1].Watermark)

	_, err = f.Open("morse", SamplingInfo{EquivFs: 1000}, nil)
	assert.ErrorIs(t, err, ErrUnknownClass)
	assert.Equal(t, 2, f.Len())
}

func TestFactoryLookupAndWalk(t *testing.T) {
	f, _, _ := newTestFactory(t)
	for i := 0; i < 3; i++ {
		_, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
		require.NoError(t, err)
	}

	_, err := f.Lookup(7)
	assert.ErrorIs(t, err, ErrGone)

	var seen []int32
	assert.True(t, f.Walk(func(i *Inspector) bool { seen = append(seen, i.Handle()); return true }))
	assert.Equal(t, []int32{0, 1, 2}, seen)

	seen = nil
	assert.False(t, f.Walk(func(i *Inspector) bool { seen = append(seen, i.Handle()); return false }))
	assert.Equal(t, []int32{0}, seen, "walk stops at the first false")
}

func TestFactoryHaltReleasesAfterBoundary(t *testing.T) {
	f, _, _ := newTestFactory(t)
	insp, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)

	_, err = f.Feed(insp.Handle(), make([]complex64, 8), time.Now())
	require.NoError(t, err)

	require.NoError(t, f.Halt(insp.Handle()))
	assert.Equal(t, 1, f.Len(), "running inspector stays until its feeder sees the halt")

	_, err = f.Feed(insp.Handle(), make([]complex64, 8), time.Now())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 0, f.Len())

	_, err = f.Feed(insp.Handle(), make([]complex64, 8), time.Now())
	assert.ErrorIs(t, err, ErrGone)
	assert.ErrorIs(t, f.Halt(insp.Handle()), ErrGone)
}

func TestFactoryHaltIdleInspector(t *testing.T) {
	f, _, ctl := newTestFactory(t)
	insp, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Halt(insp.Handle()))
	assert.Equal(t, 0, f.Len())
	assert.Len(t, ofKind(drain(t, ctl), remote.KindHalt), 1)
}

func TestFactoryHaltAndWait(t *testing.T) {
	f, _, _ := newTestFactory(t)
	insp, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	_, err = f.Feed(insp.Handle(), make([]complex64, 8), time.Now())
	require.NoError(t, err)

	stop := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := insp.FeedBulk(make([]complex64, 8), time.Now()); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.HaltAndWait(ctx, insp.Handle()))
	close(stop)
	<-fed
	assert.Equal(t, StateHalted, insp.State())
	assert.Equal(t, 0, f.Len())
}

func TestFactoryHaltAndWaitTimesOut(t *testing.T) {
	f, _, _ := newTestFactory(t)
	insp, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	_, err = f.Feed(insp.Handle(), make([]complex64, 8), time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.HaltAndWait(ctx, insp.Handle()), context.DeadlineExceeded)
	assert.Equal(t, StateHalting, insp.State())
}

func TestFactoryCloseAll(t *testing.T) {
	f, out, _ := newTestFactory(t)
	for i := 0; i < 2; i++ {
		_, err := f.Open(ClassAudio, SamplingInfo{EquivFs: 48000}, nil)
		require.NoError(t, err)
	}
	drain(t, out)

	require.NoError(t, f.CloseAll())
	assert.Equal(t, 0, f.Len())
	assert.Len(t, ofKind(drain(t, out), remote.KindClose), 2)
}

func TestFactorySubcarrierHandlesAreDistinct(t *testing.T) {
	const fs = 48000.0
	f, out, ctl := newTestFactory(t)
	root, err := f.Open(ClassRaw, SamplingInfo{EquivFs: fs}, nil)
	require.NoError(t, err)
	child, err := root.OpenSubcarrier(ClassRaw, 6000, 2000, nil)
	require.NoError(t, err)

	assert.NotEqual(t, root.Handle(), child.Handle())
	assert.NotEqual(t, root.ID(), child.ID())
	assert.Equal(t, 1, f.Len(), "subcarriers are not root members")

	found, err := f.Lookup(child.Handle())
	require.NoError(t, err)
	assert.Same(t, child, found)

	_, err = f.Feed(root.Handle(), tone(48000, fs, 6000), time.Now())
	require.NoError(t, err)
	_, err = f.Feed(child.Handle(), tone(10, fs, 0), time.Now())
	assert.ErrorIs(t, err, ErrGone, "children are fed through their parent only")

	perHandle := map[int32]int{}
	for _, m := range ofKind(drain(t, out), remote.KindSamples) {
		perHandle[m.Handle] += len(m.Samples) / 2
	}
	assert.Equal(t, 48000/DefaultWatermark*DefaultWatermark, perHandle[root.Handle()])
	assert.Equal(t, 2000/DefaultWatermark*DefaultWatermark, perHandle[child.Handle()])

	// Closing a child through the root factory detaches its channel too.
	require.NoError(t, f.Close(child.Handle()))
	assert.Equal(t, 0, root.SubcarrierCount())
	assert.Equal(t, StateHalted, child.State())
	assert.NotEqual(t, StateHalted, root.State())
	_, err = f.Lookup(child.Handle())
	assert.ErrorIs(t, err, ErrGone)

	closes := ofKind(drain(t, out), remote.KindClose)
	require.Len(t, closes, 1)
	assert.Equal(t, child.Handle(), closes[0].Handle)
	halts := ofKind(drain(t, ctl), remote.KindHalt)
	require.Len(t, halts, 1)
	assert.Equal(t, child.Handle(), halts[0].Handle)

	// A new root inspector does not reuse the child's handle.
	next, err := f.Open(ClassRaw, SamplingInfo{EquivFs: fs}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, child.Handle(), next.Handle())
}

func TestFactoryStopFeedingFinishesHalts(t *testing.T) {
	f, out, ctl := newTestFactory(t)
	waiting, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	later, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	require.NoError(t, f.FeedAll(ramp(8), time.Now()))

	require.NoError(t, f.Halt(waiting.Handle()))
	assert.Equal(t, StateHalting, waiting.State(), "a fed inspector waits for the next boundary")
	assert.Equal(t, 2, f.Len())

	f.StopFeeding()
	assert.Equal(t, StateHalted, waiting.State())
	assert.Equal(t, StateRunning, later.State())
	assert.Equal(t, 1, f.Len())

	require.NoError(t, f.Halt(later.Handle()))
	assert.Equal(t, StateHalted, later.State())
	assert.Equal(t, 0, f.Len())

	halts := ofKind(drain(t, ctl), remote.KindHalt)
	require.Len(t, halts, 2)
	assert.Equal(t, waiting.Handle(), halts[0].Handle)
	assert.Equal(t, later.Handle(), halts[1].Handle)
	drain(t, out)
}

func TestFactoryFeedAllSkipsHalted(t *testing.T) {
	f, out, _ := newTestFactory(t, WithWatermark(4))
	a, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	_, err = f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	a.Halt()
	drain(t, out)

	require.NoError(t, f.FeedAll([]complex64{1, 2, 3, 4}, time.Now()))
	assert.Equal(t, 1, f.Len())
	samples := ofKind(drain(t, out), remote.KindSamples)
	require.Len(t, samples, 1)
	assert.Equal(t, int32(1), samples[0].Handle)
}

func dispatch(t *testing.T, f *Factory, out *Queue, req *remote.Request) []outMsg {
	t.Helper()
	// Round trip through the wire form the server decodes.
	buf := growbuf.New(64)
	require.NoError(t, remote.EncodeRequest(buf, req))
	decoded, err := remote.DecodeRequest(buf.Bytes())
	require.NoError(t, err)
	_ = f.Dispatch(decoded)
	return drain(t, out)
}

func TestDispatchOpenAndConfig(t *testing.T) {
	f, out, _ := newTestFactory(t)

	msgs := dispatch(t, f, out, &remote.Request{
		Kind:         remote.KindOpen,
		Class:        ClassRaw,
		InspectorID:  42,
		RequestID:    1,
		SamplingInfo: &remote.SamplingInfo{EquivFs: 1000, Bandwidth: 500},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, remote.KindOpen, msgs[0].kind)
	assert.Equal(t, remote.KindSetID, msgs[1].kind)
	assert.Equal(t, uint32(42), msgs[1].msg.InspectorID)
	assert.Equal(t, uint32(1), msgs[1].msg.RequestID)

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindGetConfig, Handle: 0, RequestID: 2})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindGetConfig, msgs[0].kind)
	assert.EqualValues(t, 1.0, msgs[0].msg.Config["raw.gain"])

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindSetConfig, Handle: 0, Config: map[string]any{"raw.gain": 3.0}})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindSetConfig, msgs[0].kind)

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindSetConfig, Handle: 0, Config: map[string]any{"raw.gain": -3.0}})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindInvalidArgument, msgs[0].kind)

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindSetConfig, Handle: 0, Config: map[string]any{"volume": 3.0}})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindWrongObject, msgs[0].kind)
	assert.NotEmpty(t, msgs[0].msg.Error)
}

func TestDispatchErrors(t *testing.T) {
	f, out, _ := newTestFactory(t)

	msgs := dispatch(t, f, out, &remote.Request{Kind: remote.KindOpen, Class: "morse", SamplingInfo: &remote.SamplingInfo{EquivFs: 1000}})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindWrongObject, msgs[0].kind)

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindOpen, Class: ClassRaw})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindInvalidArgument, msgs[0].kind)

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindSetWatermark, Handle: 9, RequestID: 5, Watermark: 10})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindWrongHandle, msgs[0].kind)
	assert.Equal(t, int32(9), msgs[0].msg.Handle)
	assert.Equal(t, uint32(5), msgs[0].msg.RequestID)

	_, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	drain(t, out)

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindSetWatermark, Handle: 0, Watermark: 0})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindInvalidArgument, msgs[0].kind)

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindSamples, Handle: 0})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindWrongKind, msgs[0].kind)

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindSetSpectrum, Handle: 0, Name: "waterfall"})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindInvalidArgument, msgs[0].kind)
}

func TestDispatchControl(t *testing.T) {
	f, out, _ := newTestFactory(t)
	insp, err := f.Open(ClassRaw, SamplingInfo{EquivFs: 1000}, nil)
	require.NoError(t, err)
	drain(t, out)

	msgs := dispatch(t, f, out, &remote.Request{Kind: remote.KindSetWatermark, Handle: 0, Watermark: 64})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindSetWatermark, msgs[0].kind)
	assert.Equal(t, 64, insp.Watermark())

	assert.Empty(t, dispatch(t, f, out, &remote.Request{Kind: remote.KindSetCorrector, Handle: 0, Correction: 12.5}))
	hz, ok := insp.Correction(time.Now(), 0)
	assert.True(t, ok)
	assert.Equal(t, 12.5, hz)

	assert.Empty(t, dispatch(t, f, out, &remote.Request{Kind: remote.KindSetCorrector, Handle: 0, Disable: true}))
	_, ok = insp.Correction(time.Now(), 0)
	assert.False(t, ok)

	assert.Empty(t, dispatch(t, f, out, &remote.Request{Kind: remote.KindSetBandwidth, Handle: 0, Bandwidth: 200}))
	assert.Empty(t, dispatch(t, f, out, &remote.Request{Kind: remote.KindSetEstimator, Handle: 0, Name: EstimatorPower, Enabled: true}))
	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindSetID, Handle: 0, InspectorID: 3})
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(3), msgs[0].msg.InspectorID)
	assert.Equal(t, uint32(3), insp.ID())

	msgs = dispatch(t, f, out, &remote.Request{Kind: remote.KindClose, Handle: 0})
	require.Len(t, msgs, 1)
	assert.Equal(t, remote.KindClose, msgs[0].kind)
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, StateHalted, insp.State())
}
