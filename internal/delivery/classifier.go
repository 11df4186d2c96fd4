package delivery

import (
	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/metrics"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/remote"
)

// Class is the backpressure priority of a queued message.
type Class int

const (
	// ClassCritical messages are never dropped and stop a cleanup scan.
	ClassCritical Class = iota
	// ClassOverridable messages are superseded by the next one of their type.
	ClassOverridable
	// ClassDiscardable messages are best-effort telemetry.
	ClassDiscardable
)

func (c Class) String() string {
	switch c {
	case ClassOverridable:
		return "overridable"
	case ClassDiscardable:
		return "discardable"
	}
	return "critical"
}

// Classify peeks the envelope of a serialized payload. Anything that cannot
// be peeked is critical.
func Classify(payload []byte) Class {
	s, err := remote.Peek(payload)
	if err != nil || s.Call != remote.CallMessage {
		return ClassCritical
	}
	switch s.Message {
	case remote.MessageSourceInfo:
		return ClassOverridable
	case remote.MessagePSD:
		return ClassDiscardable
	case remote.MessageInspector:
		if s.HasKind && s.Kind == remote.KindSpectrum {
			return ClassDiscardable
		}
	}
	return ClassCritical
}

// Reporter is told about every cleanup pass that dropped messages. It is
// called with the queue lock held and must not touch the queue.
type Reporter interface {
	ReportBackpressure(client string, discarded, scanned int)
}

// Classifier prunes a delivery queue that grew past its cleanup watermark.
type Classifier struct {
	client   string
	logger   logging.Logger
	metrics  *metrics.Metrics
	reporter Reporter
}

// NewClassifier builds the cleaner for the queue of client. metrics and
// reporter may be nil.
func NewClassifier(client string, logger logging.Logger, m *metrics.Metrics, r Reporter) *Classifier {
	return &Classifier{
		client:   client,
		logger:   logging.OrDefault(logger).With(logging.F("subsystem", "delivery"), logging.F("client", client)),
		metrics:  m,
		reporter: r,
	}
}

// PreCleanup starts a pass.
func (c *Classifier) PreCleanup() mq.CleanupPass[*growbuf.Buffer] {
	return &cleanupPass{c: c}
}

type cleanupPass struct {
	c         *Classifier
	latest    *growbuf.Buffer
	critical  bool
	discarded int
	scanned   int
}

// TryDestroy takes overridable and discardable entries until the first
// critical one. The latest overridable is held back for re-injection.
func (p *cleanupPass) TryDestroy(tag uint32, buf *growbuf.Buffer) bool {
	p.scanned++
	if p.critical {
		return false
	}
	if tag != TagMessage || buf == nil {
		p.critical = true
		return false
	}

	switch Classify(buf.Bytes()) {
	case ClassOverridable:
		if p.latest != nil {
			p.latest.Finalize()
		}
		p.latest = buf
		p.discarded++
		return true
	case ClassDiscardable:
		buf.Finalize()
		p.discarded++
		return true
	}
	p.critical = true
	return false
}

func (p *cleanupPass) PostCleanup(w mq.UrgentWriter[*growbuf.Buffer]) int {
	if p.latest != nil {
		w.PushUrgentLocked(TagMessage, p.latest)
		p.latest = nil
	}
	p.c.metrics.CleanupPass(p.discarded)
	if p.discarded == 0 {
		return 0
	}
	p.c.logger.Warn("slow network, messages discarded",
		logging.F("discarded", p.discarded),
		logging.F("scanned", p.scanned))
	if p.c.reporter != nil {
		p.c.reporter.ReportBackpressure(p.c.client, p.discarded, p.scanned)
	}
	return p.discarded
}
