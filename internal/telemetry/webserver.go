package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/GoSuscan/internal/logging"
)

// WebServer exposes backpressure history, live updates and metrics over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server for the hub. metrics, when not nil, is
// served on /metrics.
func NewWebServer(addr string, hub *Hub, metrics http.Handler, logger logging.Logger) *WebServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/totals", hub.handleTotals)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	return &WebServer{
		hub:    hub,
		logger: logging.OrDefault(logger).With(logging.F("subsystem", "telemetry-web")),
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Handler returns the request router.
func (w *WebServer) Handler() http.Handler { return w.srv.Handler }

// Start listens on the configured address and serves until ctx is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.F("error", err))
		}
	})
	defer stop()

	w.logger.Info("web telemetry listening", logging.F("addr", ln.Addr().String()))
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("web telemetry server error", logging.F("error", err))
		return err
	}
	return nil
}
