package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/vna"
)

func newTestHub(limit int) *Hub {
	return NewHub(limit, logging.New(logging.Debug, logging.Text, io.Discard))
}

func sweepInfo(sweep int) vna.SweepInfo {
	return vna.SweepInfo{Session: "sess", Sweep: sweep, Mode: vna.ModeStreaming, Points: 3, Started: time.Now()}
}

func feed(h *Hub, info vna.SweepInfo, n int) {
	h.SweepStarted(info)
	for i := 0; i < n; i++ {
		h.PointAcquired(info, i, vna.SParameterPoint{FrequencyHz: float64(i+1) * 1e6, S11: 0.1, S21: 1})
	}
}

func TestHubObserverTracksSweep(t *testing.T) {
	hub := newTestHub(10)
	info := sweepInfo(1)
	feed(hub, info, 2)

	st := hub.StatusSnapshot()
	if st.State != StateRunning || st.Acquired != 2 || st.Points != 3 {
		t.Fatalf("unexpected running status %+v", st)
	}

	hist := hub.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(hist))
	}
	if hist[1].Index != 1 || hist[1].FrequencyHz != 2e6 {
		t.Fatalf("unexpected sample %+v", hist[1])
	}
	if math.Abs(hist[0].S11Db+20) > 1e-9 || hist[0].S21Db != 0 {
		t.Fatalf("unexpected magnitudes %+v", hist[0])
	}

	hub.SweepFinished(info, errors.New("device disconnected"))
	st = hub.StatusSnapshot()
	if st.State != StateFailed || st.Error != "device disconnected" {
		t.Fatalf("unexpected failed status %+v", st)
	}
}

func TestZeroMagnitudeIsEncodable(t *testing.T) {
	hub := newTestHub(10)
	info := sweepInfo(1)
	hub.SweepStarted(info)
	hub.PointAcquired(info, 0, vna.SParameterPoint{FrequencyHz: 1e6, S11: 1})

	rec := httptest.NewRecorder()
	hub.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("history status %d", rec.Code)
	}
	var hist []Sample
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist) != 1 || hist[0].S21Db != floorDb {
		t.Fatalf("expected floored S21, got %+v", hist)
	}
}

func TestHubHistoryIsBounded(t *testing.T) {
	hub := newTestHub(3)
	feed(hub, sweepInfo(1), 5)
	hist := hub.History()
	if len(hist) != 3 || hist[0].Index != 2 {
		t.Fatalf("expected last 3 samples, got %+v", hist)
	}
}

func TestSubscribeReceivesAndCancelIsIdempotent(t *testing.T) {
	hub := newTestHub(10)
	ch, cancel := hub.Subscribe()
	feed(hub, sweepInfo(1), 1)

	select {
	case s := <-ch:
		if s.Index != 0 {
			t.Fatalf("unexpected sample %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no sample delivered")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// publishing after cancel must not panic
	feed(hub, sweepInfo(2), 1)
}

func TestConfigEndpoints(t *testing.T) {
	hub := newTestHub(10)
	feed(hub, sweepInfo(1), 5)
	router := NewWebServer(":0", hub, logging.Nop()).Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"historyLimit":2}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := hub.ConfigSnapshot(); got.HistoryLimit != 2 || got.SubscriberBuffer != defaultConfig().SubscriberBuffer {
		t.Fatalf("unexpected config %+v", got)
	}
	if len(hub.History()) != 2 {
		t.Fatalf("history not trimmed: %d", len(hub.History()))
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"historyLimit":-1}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	var hist []Sample
	if err := json.NewDecoder(rr.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(hist))
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/history", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestStatusAndMetricsEndpoints(t *testing.T) {
	hub := newTestHub(10)
	info := sweepInfo(7)
	feed(hub, info, 3)
	hub.SweepFinished(info, nil)
	router := NewWebServer(":0", hub, logging.Nop()).Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var st Status
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != StateComplete || st.Sweep != 7 || st.Acquired != 3 {
		t.Fatalf("unexpected status %+v", st)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, name := range []string{"govna_sweeps_started_total", "govna_points_acquired_total", "govna_sweep_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestLiveServerSentEvents(t *testing.T) {
	hub := newTestHub(10)
	feed(hub, sweepInfo(1), 1)
	srv := httptest.NewServer(NewWebServer(":0", hub, logging.Nop()).Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/live", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("live request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() Sample {
		t.Helper()
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var s Sample
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return s
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return Sample{}
	}

	if s := next(); s.Sweep != 1 {
		t.Fatalf("expected history sample first, got %+v", s)
	}
	waitSubscribers(t, hub, 1)
	feed(hub, sweepInfo(2), 1)
	if s := next(); s.Sweep != 2 {
		t.Fatalf("expected live sample, got %+v", s)
	}
}

func TestLiveWebsocket(t *testing.T) {
	hub := newTestHub(10)
	feed(hub, sweepInfo(1), 1)
	srv := httptest.NewServer(NewWebServer(":0", hub, logging.Nop()).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var s Sample
	if err := conn.ReadJSON(&s); err != nil || s.Sweep != 1 {
		t.Fatalf("history sample: %+v %v", s, err)
	}
	waitSubscribers(t, hub, 1)
	feed(hub, sweepInfo(2), 1)
	if err := conn.ReadJSON(&s); err != nil || s.Sweep != 2 {
		t.Fatalf("live sample: %+v %v", s, err)
	}
}

func waitSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		got := len(hub.subscribers)
		hub.mu.RUnlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers", n)
}
