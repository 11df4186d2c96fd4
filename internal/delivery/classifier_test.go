package delivery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/metrics"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/remote"
)

type recordingReporter struct {
	mu     sync.Mutex
	events [][2]int
}

func (r *recordingReporter) ReportBackpressure(_ string, discarded, scanned int) {
	r.mu.Lock()
	r.events = append(r.events, [2]int{discarded, scanned})
	r.mu.Unlock()
}

func sourceInfo(t *testing.T, freq float64) *growbuf.Buffer {
	t.Helper()
	body := growbuf.New(32)
	require.NoError(t, remote.EncodeBody(body, &remote.SourceInfo{Frequency: freq}))
	buf := growbuf.New(64)
	require.NoError(t, remote.EncodeMessageCall(buf, remote.MessageSourceInfo, body.Bytes()))
	return buf
}

func psd(t *testing.T) *growbuf.Buffer {
	t.Helper()
	body := growbuf.New(32)
	require.NoError(t, remote.EncodeBody(body, &remote.PSD{Data: []float32{1, 2, 3}}))
	buf := growbuf.New(64)
	require.NoError(t, remote.EncodeMessageCall(buf, remote.MessagePSD, body.Bytes()))
	return buf
}

func inspectorMsg(t *testing.T, kind remote.Kind) *growbuf.Buffer {
	t.Helper()
	body := growbuf.New(32)
	require.NoError(t, remote.EncodeInspectorMessage(body, kind, &remote.InspectorMessage{Handle: 1}))
	buf := growbuf.New(64)
	require.NoError(t, remote.EncodeMessageCall(buf, remote.MessageInspector, body.Bytes()))
	return buf
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassOverridable, Classify(sourceInfo(t, 1e6).Bytes()))
	assert.Equal(t, ClassDiscardable, Classify(psd(t).Bytes()))
	assert.Equal(t, ClassDiscardable, Classify(inspectorMsg(t, remote.KindSpectrum).Bytes()))
	assert.Equal(t, ClassCritical, Classify(inspectorMsg(t, remote.KindSamples).Bytes()))
	assert.Equal(t, ClassCritical, Classify([]byte{0xff, 0x00}))
	assert.Equal(t, ClassCritical, Classify(nil))

	halt := growbuf.New(8)
	require.NoError(t, remote.EncodeCall(halt, remote.CallReqHalt, nil))
	assert.Equal(t, ClassCritical, Classify(halt.Bytes()))
}

func TestClassifyDoesNotMutatePayload(t *testing.T) {
	buf := inspectorMsg(t, remote.KindSpectrum)
	before := append([]byte(nil), buf.Bytes()...)
	Classify(buf.Bytes())
	assert.Equal(t, before, buf.Bytes())
	assert.Equal(t, 0, buf.Tell())
}

func newCleanedQueue(watermark int, r Reporter) *mq.Queue[*growbuf.Buffer] {
	return mq.New(
		mq.WithCleanupWatermark[*growbuf.Buffer](watermark),
		mq.WithCleaner[*growbuf.Buffer](NewClassifier("test", logging.Nop(), metrics.New(), r)),
	)
}

func TestCleanupStopsAtCriticalBarrier(t *testing.T) {
	rep := &recordingReporter{}
	q := newCleanedQueue(4, rep)

	a, b, c, d, e := sourceInfo(t, 1), psd(t), inspectorMsg(t, remote.KindSamples), sourceInfo(t, 2), psd(t)
	aBytes := append([]byte(nil), a.Bytes()...)
	for _, buf := range []*growbuf.Buffer{a, b, c, d, e} {
		require.NoError(t, q.Push(TagMessage, buf))
	}

	got := q.Drain()
	require.Len(t, got, 4)
	assert.Same(t, a, got[0].Payload, "latest pre-barrier overridable goes back to the front")
	assert.Equal(t, aBytes, got[0].Payload.Bytes())
	assert.Same(t, c, got[1].Payload)
	assert.Same(t, d, got[2].Payload)
	assert.Same(t, e, got[3].Payload)
	assert.Equal(t, 0, b.Len(), "discardable entry was freed")

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.CleanupPasses)
	assert.Equal(t, uint64(2), stats.Discarded)
	require.Len(t, rep.events, 1)
	assert.Equal(t, [2]int{2, 5}, rep.events[0])
}

func TestCleanupKeepsOnlyLatestOverridable(t *testing.T) {
	q := newCleanedQueue(3, nil)
	first, second := sourceInfo(t, 1), sourceInfo(t, 2)
	spectrumMsg := inspectorMsg(t, remote.KindSpectrum)
	samples := inspectorMsg(t, remote.KindSamples)
	for _, buf := range []*growbuf.Buffer{first, spectrumMsg, second, samples} {
		require.NoError(t, q.Push(TagMessage, buf))
	}

	got := q.Drain()
	require.Len(t, got, 2)
	assert.Same(t, second, got[0].Payload)
	assert.Same(t, samples, got[1].Payload)
	assert.Equal(t, 0, first.Len(), "superseded overridable was freed")
	assert.Equal(t, uint64(3), q.Stats().Discarded)
}

func TestCleanupTreatsControlEntriesAsCritical(t *testing.T) {
	q := newCleanedQueue(2, nil)
	require.NoError(t, q.Push(TagCancel, nil))
	require.NoError(t, q.Push(TagMessage, psd(t)))
	require.NoError(t, q.Push(TagMessage, psd(t)))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(0), q.Stats().Discarded)
	assert.Equal(t, uint64(1), q.Stats().CleanupPasses)
}

func TestCleanupWithNothingToDrop(t *testing.T) {
	rep := &recordingReporter{}
	q := newCleanedQueue(1, rep)
	require.NoError(t, q.Push(TagMessage, inspectorMsg(t, remote.KindSamples)))
	require.NoError(t, q.Push(TagMessage, psd(t)))
	assert.Equal(t, 2, q.Len())
	assert.Empty(t, rep.events)
}
