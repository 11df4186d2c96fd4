// Package server exposes an analyzer over TCP. Every client gets its own
// delivery thread; analyzer output is fanned out to all of them and
// inspector requests read from any client are dispatched to the factory.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/GoSuscan/internal/delivery"
	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/inspector"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/metrics"
	"github.com/rjboer/GoSuscan/internal/remote"
)

// Dispatcher applies inspector requests.
type Dispatcher interface {
	Dispatch(req *remote.Request) error
}

// SourceDescriber reports the current source parameters.
type SourceDescriber interface {
	SourceInfo() remote.SourceInfo
}

var errClientHalt = errors.New("client requested halt")

// Config holds the listener and per-client delivery settings.
type Config struct {
	Addr               string
	Delivery           delivery.Config
	SourceInfoInterval time.Duration
	// MaxClients caps concurrent clients. Zero means no limit.
	MaxClients int
}

// DefaultConfig returns the settings used by the server binary.
func DefaultConfig() Config {
	return Config{
		Addr:               ":28001",
		Delivery:           delivery.DefaultConfig(),
		SourceInfoInterval: time.Second,
		MaxClients:         32,
	}
}

// Option customizes a Server.
type Option func(*Server)

func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = logging.OrDefault(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithReporter receives backpressure events from every client's delivery
// thread.
func WithReporter(r delivery.Reporter) Option {
	return func(s *Server) { s.reporter = r }
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// ClientInfo is a snapshot of one connected client.
type ClientInfo struct {
	ID       string
	Remote   string
	State    delivery.State
	QueueLen int
}

type client struct {
	id     string
	remote string
	conn   net.Conn
	tx     *delivery.TxThread
}

// Server accepts analyzer clients.
type Server struct {
	cfg      Config
	out      *inspector.Queue
	factory  Dispatcher
	source   SourceDescriber
	logger   logging.Logger
	metrics  *metrics.Metrics
	reporter delivery.Reporter
	clock    clock.Clock

	mu       sync.RWMutex
	clients  map[string]*client
	sessions int
	wg       sync.WaitGroup
}

// New returns a server that broadcasts everything queued on out.
func New(cfg Config, out *inspector.Queue, factory Dispatcher, source SourceDescriber, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		out:     out,
		factory: factory,
		source:  source,
		logger:  logging.Default(),
		clock:   clock.New(),
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.F("subsystem", "server"))
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is canceled. All clients are
// disconnected before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("analyzer server listening", logging.F("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { ln.Close() })
	defer stop()

	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	g.Go(func() error { return s.fanout(gctx) })
	g.Go(func() error { return s.sourceInfoLoop(gctx) })

	err := g.Wait()
	s.disconnectAll()
	s.wg.Wait()
	s.logger.Info("analyzer server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay := b.NextBackOff()
			s.logger.Warn("accept failed", logging.F("error", err), logging.F("retry_in", delay.String()))
			if err := s.sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}
		b.Reset()

		if !s.reserve() {
			s.logger.Warn("client rejected, server full",
				logging.F("remote", conn.RemoteAddr().String()),
				logging.F("max_clients", s.cfg.MaxClients))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unreserve()
			s.serveConn(ctx, conn)
		}()
	}
}

// reserve claims a session slot for an accepted connection. Slots are held
// from accept until the session goroutine exits, so a burst of accepts
// cannot overshoot MaxClients before the sessions register.
func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxClients > 0 && s.sessions >= s.cfg.MaxClients {
		return false
	}
	s.sessions++
	return true
}

func (s *Server) unreserve() {
	s.mu.Lock()
	s.sessions--
	s.mu.Unlock()
}

func (s *Server) sleep(ctx context.Context, d time.Duration) error {
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	tx, err := delivery.NewTxThread(conn, s.cfg.Delivery,
		delivery.WithLogger(s.logger),
		delivery.WithMetrics(s.metrics),
		delivery.WithReporter(s.reporter),
		delivery.WithClientID(id))
	if err != nil {
		s.logger.Error("client setup failed", logging.F("error", err))
		conn.Close()
		return
	}
	c := &client{id: id, remote: conn.RemoteAddr().String(), conn: conn, tx: tx}
	log := s.logger.With(logging.F("client", id), logging.F("remote", c.remote))

	// Source info goes out before anything else.
	if err := s.pushMessage(c, remote.MessageSourceInfo, s.sourceInfo()); err != nil {
		log.Warn("initial source info failed", logging.F("error", err))
	}
	s.register(c)
	defer s.unregister(c)
	if err := tx.Start(); err != nil {
		log.Error("delivery start failed", logging.F("error", err))
		return
	}
	log.Info("client connected")

	// A stopped delivery thread or server shutdown unblocks the reader.
	unblock := func() { _ = conn.SetReadDeadline(time.Unix(1, 0)) }
	stopCtx := context.AfterFunc(ctx, unblock)
	defer stopCtx()
	go func() {
		<-tx.Done()
		unblock()
	}()

	for {
		payload, err := remote.ReadPDU(conn)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				log.Info("client disconnected")
			case tx.Err() != nil:
				log.Warn("client dropped", logging.F("error", tx.Err()))
			default:
				log.Warn("client read failed", logging.F("error", err))
			}
			return
		}
		if err := s.handlePayload(c, payload); err != nil {
			if errors.Is(err, errClientHalt) {
				log.Info("client requested halt")
				return
			}
			log.Warn("bad client payload", logging.F("error", err))
		}
	}
}

func (s *Server) handlePayload(c *client, payload []byte) error {
	sum, err := remote.Peek(payload)
	if err != nil {
		return err
	}
	switch sum.Call {
	case remote.CallInspector:
		req, err := remote.DecodeRequest(payload)
		if err != nil {
			return err
		}
		if err := s.factory.Dispatch(req); err != nil {
			s.logger.Debug("inspector request failed",
				logging.F("client", c.id),
				logging.F("kind", req.Kind.String()),
				logging.F("handle", req.Handle),
				logging.F("error", err))
		}
		return nil
	case remote.CallReqHalt:
		return errClientHalt
	}
	return fmt.Errorf("unsupported call %s", sum.Call)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.metrics.ClientConnected()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := c.tx.Close(); err != nil {
		s.logger.Debug("client close failed", logging.F("client", c.id), logging.F("error", err))
	}
	s.metrics.ClientDisconnected()
}

func (s *Server) snapshot() []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	return list
}

func (s *Server) disconnectAll() {
	for _, c := range s.snapshot() {
		c.tx.Stop()
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Clients lists connected clients ordered by id.
func (s *Server) Clients() []ClientInfo {
	list := s.snapshot()
	out := make([]ClientInfo, 0, len(list))
	for _, c := range list {
		out = append(out, ClientInfo{ID: c.id, Remote: c.remote, State: c.tx.State(), QueueLen: c.tx.QueueLen()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fanout wraps every analyzer message in a CallMessage envelope and queues
// it on all clients.
func (s *Server) fanout(ctx context.Context) error {
	if s.out == nil {
		return nil
	}
	for {
		m, ok, err := s.out.PopContext(ctx)
		if err != nil || !ok {
			return nil
		}
		if m.Payload == nil {
			continue
		}
		buf := growbuf.New(m.Payload.Len() + 16)
		if err := remote.EncodeMessageCall(buf, remote.MessageType(m.Tag), m.Payload.Bytes()); err != nil {
			s.logger.Warn("message wrap failed", logging.F("error", err))
		} else {
			s.broadcast(buf)
		}
		m.Payload.Finalize()
	}
}

func (s *Server) broadcast(payload *growbuf.Buffer) {
	for _, c := range s.snapshot() {
		if err := c.tx.PushCopy(payload.Bytes()); err != nil && !errors.Is(err, delivery.ErrStopped) {
			s.logger.Warn("client push failed", logging.F("client", c.id), logging.F("error", err))
		}
	}
}

func (s *Server) sourceInfoLoop(ctx context.Context) error {
	if s.cfg.SourceInfoInterval <= 0 || s.source == nil {
		return nil
	}
	ticker := s.clock.Ticker(s.cfg.SourceInfoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			buf, err := encodeMessage(remote.MessageSourceInfo, s.sourceInfo())
			if err != nil {
				s.logger.Warn("source info encode failed", logging.F("error", err))
				continue
			}
			s.broadcast(buf)
		}
	}
}

func (s *Server) sourceInfo() remote.SourceInfo {
	if s.source == nil {
		return remote.SourceInfo{Timestamp: s.clock.Now().UnixNano()}
	}
	return s.source.SourceInfo()
}

func (s *Server) pushMessage(c *client, mt remote.MessageType, body any) error {
	buf, err := encodeMessage(mt, body)
	if err != nil {
		return err
	}
	return c.tx.Push(buf)
}

func encodeMessage(mt remote.MessageType, body any) (*growbuf.Buffer, error) {
	inner := growbuf.New(128)
	if err := remote.EncodeBody(inner, body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", mt, err)
	}
	buf := growbuf.New(inner.Len() + 16)
	if err := remote.EncodeMessageCall(buf, mt, inner.Bytes()); err != nil {
		return nil, err
	}
	return buf, nil
}
