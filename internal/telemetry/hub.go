package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rjboer/GoSuscan/internal/logging"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
	LiveBuffer   int `json:"liveBuffer"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
	minLiveBuffer   = 1
	maxLiveBuffer   = 1024
)

func defaultConfig() Config {
	return Config{
		HistoryLimit: 500,
		LiveBuffer:   16,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.LiveBuffer == 0 {
		base = defaultConfig()
	}

	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.LiveBuffer == 0 {
		cfg.LiveBuffer = base.LiveBuffer
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.LiveBuffer < minLiveBuffer || cfg.LiveBuffer > maxLiveBuffer {
		return Config{}, fmt.Errorf("live buffer must be between %d and %d", minLiveBuffer, maxLiveBuffer)
	}

	return cfg, nil
}

// BackpressureEvent records one cleanup pass that dropped messages for a
// slow client.
type BackpressureEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Client    string    `json:"client"`
	Discarded int       `json:"discarded"`
	Scanned   int       `json:"scanned"`
}

// Totals are cumulative counts since the hub was created.
type Totals struct {
	Events    int            `json:"events"`
	Discarded int            `json:"discarded"`
	PerClient map[string]int `json:"perClient"`
}

// Hub collects backpressure history and fans out events to live
// subscribers.
type Hub struct {
	mu          sync.RWMutex
	clock       clock.Clock
	logger      logging.Logger
	history     []BackpressureEvent
	totals      Totals
	subscribers map[chan BackpressureEvent]struct{}
	config      Config
}

// NewHub builds a telemetry hub with the provided history limit. A nil clock
// uses the wall clock.
func NewHub(historyLimit int, clk clock.Clock, logger logging.Logger) *Hub {
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		clock:       clk,
		logger:      logging.OrDefault(logger).With(logging.F("subsystem", "telemetry")),
		totals:      Totals{PerClient: make(map[string]int)},
		subscribers: make(map[chan BackpressureEvent]struct{}),
		config:      cfg,
	}
}

// ReportBackpressure records a cleanup pass. It never blocks: slow
// subscribers miss events.
func (h *Hub) ReportBackpressure(client string, discarded, scanned int) {
	ev := BackpressureEvent{Timestamp: h.clock.Now(), Client: client, Discarded: discarded, Scanned: scanned}

	h.mu.Lock()
	h.history = append(h.history, ev)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	h.totals.Events++
	h.totals.Discarded += discarded
	h.totals.PerClient[client] += discarded
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored events.
func (h *Hub) History() []BackpressureEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]BackpressureEvent, len(h.history))
	copy(out, h.history)
	return out
}

// Totals returns a copy of the cumulative counters.
func (h *Hub) Totals() Totals {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := Totals{Events: h.totals.Events, Discarded: h.totals.Discarded, PerClient: make(map[string]int, len(h.totals.PerClient))}
	for k, v := range h.totals.PerClient {
		out.PerClient[k] = v
	}
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan BackpressureEvent, func()) {
	h.mu.Lock()
	ch := make(chan BackpressureEvent, h.config.LiveBuffer)
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	if len(h.history) > cfg.HistoryLimit {
		h.history = h.history[len(h.history)-cfg.HistoryLimit:]
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.History())
}

func (h *Hub) handleTotals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.Totals())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	cfg, err := validateConfig(incoming, h.config)
	if err == nil {
		h.applyConfig(cfg)
	}
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("telemetry config updated",
		logging.F("history_limit", cfg.HistoryLimit),
		logging.F("live_buffer", cfg.LiveBuffer))
	writeJSON(w, cfg)
}

func writeEvent(w http.ResponseWriter, ev BackpressureEvent) {
	payload, _ := json.Marshal(ev)
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, ev := range h.History() {
		writeEvent(w, ev)
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
