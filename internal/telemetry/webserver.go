package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rjboer/GoVNA/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebServer exposes sweep history, status, live updates and metrics over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds the HTTP server.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	w := &WebServer{hub: hub, logger: logger.With(logging.F("subsystem", "web"))}
	w.srv = &http.Server{Addr: addr, Handler: w.Router(), ReadHeaderTimeout: 5 * time.Second}
	return w
}

// Router returns the request router.
func (w *WebServer) Router() http.Handler {
	r := mux.NewRouter()

	a := r.PathPrefix("/api").Subrouter()
	a.Use(
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerCounter(metricHttpRequestsTotal, next)
		},
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerDuration(metricHttpRequestDuration, next)
		},
	)
	a.Path("/history").Methods(http.MethodGet).HandlerFunc(w.hub.handleHistory)
	a.Path("/status").Methods(http.MethodGet).HandlerFunc(w.hub.handleStatus)
	a.Path("/config").Methods(http.MethodGet).HandlerFunc(w.hub.handleGetConfig)
	a.Path("/config").Methods(http.MethodPost).HandlerFunc(w.hub.handleSetConfig)

	// Long-lived streams stay out of the request duration histogram.
	r.Path("/api/live").Methods(http.MethodGet).HandlerFunc(w.hub.handleLive)
	r.Path("/api/ws").HandlerFunc(w.handleWebsocket)

	r.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.Handler())
	r.Path("/healthz").Methods(http.MethodGet, http.MethodOptions).
		HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.Write([]byte("OK")) //nolint:errcheck
		})
	return r
}

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.F("error", err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", ln.Addr().String()))
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *WebServer) handleWebsocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", logging.F("error", err))
		return
	}
	defer conn.Close()

	ch, cancel := w.hub.Subscribe()
	defer cancel()

	// The reader only services control frames and notices the peer leaving.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, sample := range w.hub.History() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(sample); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(sample); err != nil {
				w.logger.Debug("websocket write failed", logging.F("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
