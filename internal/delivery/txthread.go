// Package delivery sends encoded messages to one remote client. Each client
// gets a TxThread: a goroutine draining a message queue into the client's
// socket as length-framed PDUs, with a cleanup pass that sheds best-effort
// traffic when the client cannot keep up.
package delivery

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/metrics"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/remote"
)

// Queue tags.
const (
	TagMessage uint32 = iota + 1
	TagCancel
)

var (
	ErrCancelled = errors.New("delivery: cancelled")
	ErrStopped   = errors.New("delivery: thread stopped")
)

// State is the TxThread lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCancelling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config tunes a TxThread.
type Config struct {
	// CompressThreshold is the payload size from which PDUs are deflated.
	// Zero disables compression.
	CompressThreshold int
	// ChunkSize bounds each socket write, and so the cancel latency.
	ChunkSize int
	// CleanupWatermark is the queue depth above which a cleanup pass runs.
	CleanupWatermark int
	// PoolSize caps the number of idle buffers kept for reuse.
	PoolSize int
	// WriteTimeout bounds each chunk write. Zero waits forever.
	WriteTimeout time.Duration
}

const (
	minChunkSize = 512
	maxChunkSize = 1 << 20
	maxPoolSize  = 4096
)

// DefaultConfig returns the settings used for new clients.
func DefaultConfig() Config {
	return Config{
		CompressThreshold: 1400,
		ChunkSize:         16 << 10,
		CleanupWatermark:  500,
		PoolSize:          64,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.ChunkSize == 0 {
		base = DefaultConfig()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = base.ChunkSize
	}
	if cfg.CleanupWatermark == 0 {
		cfg.CleanupWatermark = base.CleanupWatermark
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = base.PoolSize
	}

	if cfg.CompressThreshold < 0 {
		return Config{}, fmt.Errorf("compress threshold must not be negative")
	}
	if cfg.ChunkSize < minChunkSize || cfg.ChunkSize > maxChunkSize {
		return Config{}, fmt.Errorf("chunk size must be between %d and %d", minChunkSize, maxChunkSize)
	}
	if cfg.CleanupWatermark < 0 {
		return Config{}, fmt.Errorf("cleanup watermark must not be negative")
	}
	if cfg.PoolSize < 0 || cfg.PoolSize > maxPoolSize {
		return Config{}, fmt.Errorf("pool size must be between 0 and %d", maxPoolSize)
	}
	if cfg.WriteTimeout < 0 {
		return Config{}, fmt.Errorf("write timeout must not be negative")
	}
	return cfg, nil
}

// Option customizes a TxThread.
type Option func(*TxThread)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(t *TxThread) { t.logger = logging.OrDefault(l) }
}

// WithMetrics records sent PDUs, queue depth and cleanup passes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *TxThread) { t.metrics = m }
}

// WithReporter forwards backpressure events.
func WithReporter(r Reporter) Option {
	return func(t *TxThread) { t.reporter = r }
}

// WithClientID labels logs and metrics.
func WithClientID(id string) Option {
	return func(t *TxThread) { t.client = id }
}

// TxThread owns one client socket and the queue feeding it.
type TxThread struct {
	conn     net.Conn
	cfg      Config
	client   string
	logger   logging.Logger
	metrics  *metrics.Metrics
	reporter Reporter

	queue *mq.Queue[*growbuf.Buffer]
	pool  *mq.Queue[*growbuf.Buffer]

	state      atomic.Int32
	cancelled  atomic.Bool
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
	err        error
}

// NewTxThread prepares a thread writing to conn. Call Start to begin
// sending; messages pushed before that are queued.
func NewTxThread(conn net.Conn, cfg Config, opts ...Option) (*TxThread, error) {
	if conn == nil {
		return nil, errors.New("delivery: nil connection")
	}
	cfg, err := validateConfig(cfg, DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("delivery config: %w", err)
	}

	t := &TxThread{
		conn:   conn,
		cfg:    cfg,
		client: conn.RemoteAddr().String(),
		logger: logging.Default(),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(logging.F("subsystem", "delivery"), logging.F("client", t.client))

	t.pool = mq.New[*growbuf.Buffer]()
	t.queue = mq.New(
		mq.WithCancelTag[*growbuf.Buffer](TagCancel),
		mq.WithCleanupWatermark[*growbuf.Buffer](cfg.CleanupWatermark),
		mq.WithCleaner[*growbuf.Buffer](NewClassifier(t.client, t.logger, t.metrics, t.reporter)),
		mq.WithDepthObserver[*growbuf.Buffer](func(depth int) { t.metrics.QueueDepth(t.client, depth) }),
	)
	return t, nil
}

// Client returns the client label.
func (t *TxThread) Client() string { return t.client }

// Config returns the validated configuration.
func (t *TxThread) Config() Config { return t.cfg }

// State returns the lifecycle state.
func (t *TxThread) State() State { return State(t.state.Load()) }

// Done is closed when the thread has stopped.
func (t *TxThread) Done() <-chan struct{} { return t.done }

// Err returns the transport error that ended the thread, if any. Requested
// stops report nil. Only meaningful after Done is closed.
func (t *TxThread) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// QueueLen returns the number of messages waiting to be sent.
func (t *TxThread) QueueLen() int { return t.queue.Len() }

// QueueStats returns the queue counters.
func (t *TxThread) QueueStats() mq.Stats { return t.queue.Stats() }

// Start launches the sending goroutine.
func (t *TxThread) Start() error {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrStopped
	}
	go t.run()
	return nil
}

// Push queues pdu for sending. The contents are moved out of pdu, which is
// left empty; the caller keeps the (now empty) buffer.
func (t *TxThread) Push(pdu *growbuf.Buffer) error {
	if t.stopping() {
		return ErrStopped
	}
	buf := t.alloc()
	buf.Transfer(pdu)
	if err := t.queue.Push(TagMessage, buf); err != nil {
		pdu.Transfer(buf)
		if errors.Is(err, mq.ErrClosed) {
			return ErrStopped
		}
		return err
	}
	return nil
}

// PushCopy queues a copy of data.
func (t *TxThread) PushCopy(data []byte) error {
	buf := growbuf.New(len(data))
	_, _ = buf.Write(data)
	return t.Push(buf)
}

func (t *TxThread) stopping() bool {
	s := t.State()
	return s == StateCancelling || s == StateStopped
}

// Stop cancels the thread, interrupting a send in progress at the next
// chunk boundary, and waits for it to exit. Queued messages are not sent.
func (t *TxThread) Stop() {
	if t.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		t.finish(nil)
		return
	}
	if t.state.CompareAndSwap(int32(StateRunning), int32(StateCancelling)) {
		t.requestCancel()
	}
	<-t.done
}

// StopSoft asks the thread to exit once everything queued so far was sent,
// and waits for it.
func (t *TxThread) StopSoft() {
	if t.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		t.finish(nil)
		return
	}
	if t.State() == StateRunning {
		if err := t.queue.Push(TagCancel, nil); err != nil {
			t.logger.Debug("soft stop on closed queue", logging.F("error", err))
		}
	}
	<-t.done
}

// requestCancel wakes the thread wherever it is blocked: the urgent queue
// entry covers a wait on the queue, the cancel channel and the expired write
// deadline cover a wait on the socket.
func (t *TxThread) requestCancel() {
	t.cancelOnce.Do(func() {
		t.cancelled.Store(true)
		_ = t.queue.PushUrgent(TagCancel, nil)
		close(t.cancel)
		_ = t.conn.SetWriteDeadline(time.Unix(1, 0))
	})
}

// Close stops the thread, frees queued and pooled buffers and closes the
// socket.
func (t *TxThread) Close() error {
	t.Stop()
	for _, m := range t.queue.Drain() {
		if m.Payload != nil {
			m.Payload.Finalize()
		}
	}
	for _, m := range t.pool.Drain() {
		m.Payload.Finalize()
	}
	t.metrics.ForgetQueue(t.client)
	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close client socket: %w", err)
	}
	return nil
}

func (t *TxThread) finish(err error) {
	t.doneOnce.Do(func() {
		t.err = err
		t.state.Store(int32(StateStopped))
		t.queue.Close()
		close(t.done)
	})
}

func (t *TxThread) run() {
	var err error
	for {
		m, ok := t.queue.Pop()
		if !ok {
			break
		}
		select {
		case <-t.cancel:
			t.dispose(m.Payload)
			t.finish(nil)
			return
		default:
		}
		if err = t.writeBuffer(m.Payload); err != nil {
			t.dispose(m.Payload)
			break
		}
		t.dispose(m.Payload)
	}

	if errors.Is(err, ErrCancelled) || t.cancelled.Load() {
		err = nil
	}
	if err != nil {
		t.logger.Warn("client transmission failed", logging.F("error", err))
	}
	t.finish(err)
}

func (t *TxThread) writeBuffer(buf *growbuf.Buffer) error {
	payload := buf.Bytes()
	magic := remote.PDUMagic
	compressed := false
	if remote.ShouldCompress(len(payload), t.cfg.CompressThreshold) {
		deflated, err := remote.Deflate(payload)
		if err != nil {
			t.logger.Warn("compression failed, sending plain", logging.F("error", err))
		} else {
			magic = remote.CompressedPDUMagic
			payload = deflated
			compressed = true
		}
	}
	if len(payload) > remote.MaxPDUSize {
		return fmt.Errorf("%w: %d bytes", remote.ErrPDUTooLarge, len(payload))
	}

	hdr := remote.EncodeHeader(magic, uint32(len(payload)))
	if err := t.send(hdr[:]); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	for off := 0; off < len(payload); {
		if t.cancelled.Load() {
			return ErrCancelled
		}
		end := min(off+t.cfg.ChunkSize, len(payload))
		if err := t.send(payload[off:end]); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
		off = end
	}
	t.metrics.PDUSent(remote.HeaderSize+len(payload), compressed)
	return nil
}

func (t *TxThread) send(p []byte) error {
	if t.cfg.WriteTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	// A cancel may have raced the deadline above.
	if t.cancelled.Load() {
		return ErrCancelled
	}
	if _, err := t.conn.Write(p); err != nil {
		if t.cancelled.Load() {
			return ErrCancelled
		}
		return err
	}
	return nil
}

// alloc returns a recycled buffer when one is available.
func (t *TxThread) alloc() *growbuf.Buffer {
	if m, ok := t.pool.Poll(); ok && m.Payload != nil {
		return m.Payload
	}
	return &growbuf.Buffer{}
}

// dispose returns buf to the pool, or frees it when the pool is full.
func (t *TxThread) dispose(buf *growbuf.Buffer) {
	if buf == nil {
		return
	}
	buf.Clear()
	if t.pool.Len() >= t.cfg.PoolSize || t.pool.Push(0, buf) != nil {
		buf.Finalize()
	}
}
