package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/vna"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit     int `json:"historyLimit"`
	SubscriberBuffer int `json:"subscriberBuffer"`
}

const (
	minHistoryLimit     = 1
	maxHistoryLimit     = vna.MaxPoints * 4
	minSubscriberBuffer = 1
	maxSubscriberBuffer = 4096
)

func defaultConfig() Config {
	return Config{
		HistoryLimit:     2048,
		SubscriberBuffer: 64,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.SubscriberBuffer == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = base.SubscriberBuffer
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SubscriberBuffer < minSubscriberBuffer || cfg.SubscriberBuffer > maxSubscriberBuffer {
		return Config{}, fmt.Errorf("subscriber buffer must be between %d and %d", minSubscriberBuffer, maxSubscriberBuffer)
	}
	return cfg, nil
}

// Sample captures a single acquired point for visualization.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	Session     string    `json:"session"`
	Sweep       int       `json:"sweep"`
	Index       int       `json:"index"`
	FrequencyHz float64   `json:"frequencyHz"`
	S11Db       float64   `json:"s11Db"`
	S21Db       float64   `json:"s21Db"`
}

// Sweep states reported in Status.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// Status describes the most recent sweep.
type Status struct {
	State    string    `json:"state"`
	Session  string    `json:"session,omitempty"`
	Sweep    int       `json:"sweep,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Trigger  string    `json:"trigger,omitempty"`
	Points   int       `json:"points"`
	Acquired int       `json:"acquired"`
	Started  time.Time `json:"started,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Hub collects history and fans acquired points out to subscribers. It
// implements vna.Observer and never blocks the acquiring goroutine: slow
// subscribers miss samples.
type Hub struct {
	mu          sync.RWMutex
	history     []Sample
	subscribers map[chan Sample]struct{}
	config      Config
	status      Status
	logger      logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		subscribers: make(map[chan Sample]struct{}),
		config:      cfg,
		status:      Status{State: StateIdle},
		logger:      logger.With(logging.F("subsystem", "telemetry")),
	}
}

func (h *Hub) SweepStarted(info vna.SweepInfo) {
	metricSweepsStarted.WithLabelValues(string(info.Mode)).Inc()

	h.mu.Lock()
	h.status = Status{
		State:   StateRunning,
		Session: info.Session,
		Sweep:   info.Sweep,
		Mode:    string(info.Mode),
		Trigger: info.Trigger.String(),
		Points:  info.Points,
		Started: info.Started,
	}
	h.mu.Unlock()
}

func (h *Hub) PointAcquired(info vna.SweepInfo, index int, pt vna.SParameterPoint) {
	metricPointsAcquired.Inc()
	h.Publish(Sample{
		Timestamp:   time.Now(),
		Session:     info.Session,
		Sweep:       info.Sweep,
		Index:       index,
		FrequencyHz: pt.FrequencyHz,
		S11Db:       db(pt.S11),
		S21Db:       db(pt.S21),
	})
}

// floorDb stands in for the -Inf of an exact zero, which JSON cannot carry.
const floorDb = -400

func db(z complex128) float64 {
	v := vna.LogMagnitudeDb(z)
	if math.IsInf(v, -1) {
		return floorDb
	}
	return v
}

func (h *Hub) SweepFinished(info vna.SweepInfo, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metricSweepsFinished.WithLabelValues(string(info.Mode), result).Inc()
	if !info.Started.IsZero() {
		metricSweepDuration.WithLabelValues(string(info.Mode)).Observe(time.Since(info.Started).Seconds())
	}

	h.mu.Lock()
	if h.status.Session == info.Session && h.status.Sweep == info.Sweep {
		h.status.State = StateComplete
		if err != nil {
			h.status.State = StateFailed
			h.status.Error = err.Error()
		}
	}
	h.mu.Unlock()
	if err != nil {
		h.logger.Warn("sweep failed", logging.F("sweep", info.Sweep), logging.F("error", err))
	}
}

// Publish records a sample and forwards it to subscribers.
func (h *Hub) Publish(sample Sample) {
	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	if h.status.Session == sample.Session && h.status.Sweep == sample.Sweep {
		h.status.Acquired = sample.Index + 1
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
			metricSamplesDropped.Inc()
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// StatusSnapshot returns the state of the most recent sweep.
func (h *Hub) StatusSnapshot() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	h.mu.Lock()
	ch := make(chan Sample, h.config.SubscriberBuffer)
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	metricSubscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
			metricSubscribers.Dec()
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

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.History())
}

func (h *Hub) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.StatusSnapshot())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, cfg)
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
	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sample Sample) {
	payload, _ := json.Marshal(sample)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
