package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credentials"
	"stockbit-ingest/internal/csvsink"
	"stockbit-ingest/internal/daemon"
	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/logging"
	"stockbit-ingest/internal/scheduler"
	"stockbit-ingest/internal/stockbit"
	"stockbit-ingest/internal/stream"
)

type noopSource struct{}

func (noopSource) FetchTrades(ctx context.Context, ticker, date, cursor string) (*stockbit.Page, error) {
	return &stockbit.Page{}, nil
}

type noopStreams struct{}

func (noopStreams) Start(id string, tickers []string, maxRetries int) (stream.Stats, error) {
	return stream.Stats{SessionID: id, State: stream.StateConnecting}, nil
}
func (noopStreams) Stop(id string) error                { return nil }
func (noopStreams) Get(id string) (stream.Stats, error) { return stream.Stats{}, stream.ErrNotFound }

type fixture struct {
	server  *Server
	dataDir string
	jobs    *jobstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	logger := zerolog.Nop()

	creds := credentials.NewStore(filepath.Join(dir, "credential.json"), logger)
	jobs, err := jobstore.Open(filepath.Join(dir, "jobs.db"), logger)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() { jobs.Close() })

	trades := csvsink.New(dataDir, "running_trade", csvsink.RunningTradeColumns, nil, logger)
	orderbook := csvsink.New(dataDir, "orderbook", csvsink.OrderbookColumns, nil, logger)
	t.Cleanup(func() { trades.Close(); orderbook.Close() })

	sched := scheduler.New(jobs, noopSource{}, trades, creds, logger)
	streams := stream.NewManager(stream.Config{URL: "ws://127.0.0.1:1/ws"}, creds, nil, orderbook, logger)
	t.Cleanup(streams.StopAll)
	dmn := daemon.New(noopStreams{}, filepath.Join(dir, "watchlist.json"), logger)
	ring := logging.NewRing(100)

	server := NewServer(
		ServerConfig{Host: "127.0.0.1", Port: 0, ProductionMode: true},
		creds, sched, jobs, streams, dmn, ring,
		map[string]*csvsink.Sink{"running_trade": trades, "orderbook": orderbook},
		dataDir, logger,
	)
	return &fixture{server: server, dataDir: dataDir, jobs: jobs}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, w.Body.String())
	}
	if !envelope.Success {
		t.Fatalf("response not successful: %s", w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func TestTokenLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/token/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var status credentials.Status
	decodeData(t, w, &status)
	if status.HasToken {
		t.Fatal("fresh store reports a token")
	}

	w = f.do(t, http.MethodPost, "/api/token/set", map[string]string{
		"token":   "opaque-token",
		"cookies": "sid=1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("set token code = %d body = %s", w.Code, w.Body.String())
	}
	decodeData(t, w, &status)
	if !status.HasToken || !status.Valid {
		t.Fatalf("after set: %+v", status)
	}

	w = f.do(t, http.MethodPost, "/api/token/set", map[string]string{"cookies": "sid=1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing token accepted: %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/token/clear", nil)
	decodeData(t, w, &status)
	if status.HasToken {
		t.Fatalf("after clear: %+v", status)
	}
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"tickers":   []string{"bbca", "TLKM"},
		"date_from": "2025-11-03",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create job code = %d body = %s", w.Code, w.Body.String())
	}
	var job jobstore.Job
	decodeData(t, w, &job)
	if job.ID == "" || job.DateUntil != "2025-11-03" {
		t.Fatalf("job = %+v", job)
	}
	if len(job.Tickers) != 2 || job.Tickers[0] != "BBCA" {
		t.Fatalf("tickers not normalized: %v", job.Tickers)
	}

	w = f.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	var detail struct {
		Job        jobstore.Job               `json:"job"`
		Tasks      []jobstore.Task            `json:"tasks"`
		TaskCounts map[jobstore.TaskStatus]int `json:"task_counts"`
	}
	decodeData(t, w, &detail)
	if len(detail.Tasks) != 2 {
		t.Fatalf("task count = %d", len(detail.Tasks))
	}

	w = f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/pause", nil)
	decodeData(t, w, &job)
	if job.Status != jobstore.JobPaused {
		t.Fatalf("after pause: %s", job.Status)
	}
	w = f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/resume", nil)
	decodeData(t, w, &job)
	if job.Status != jobstore.JobRunning {
		t.Fatalf("after resume: %s", job.Status)
	}
	w = f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	decodeData(t, w, &job)
	if job.Status != jobstore.JobCancelled {
		t.Fatalf("after cancel: %s", job.Status)
	}

	// Cancelling twice is a conflict, unknown ids are 404.
	if w = f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil); w.Code != http.StatusConflict {
		t.Fatalf("second cancel code = %d", w.Code)
	}
	if w = f.do(t, http.MethodGet, "/api/jobs/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown job code = %d", w.Code)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)

	cases := []map[string]interface{}{
		{"date_from": "2025-11-03"},
		{"tickers": []string{"BBCA"}},
		{"tickers": []string{"BBCA"}, "date_from": "03-11-2025"},
		{"tickers": []string{"BBCA"}, "date_from": "2025-11-05", "date_until": "2025-11-03"},
	}
	for i, body := range cases {
		if w := f.do(t, http.MethodPost, "/api/jobs", body); w.Code != http.StatusBadRequest {
			t.Errorf("case %d: code = %d, want 400", i, w.Code)
		}
	}
}

func TestFilesEndpointGuardsTraversal(t *testing.T) {
	f := newFixture(t)

	dir := filepath.Join(f.dataDir, "running_trade")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "BBCA_2025-11-03.csv"), []byte("id\n1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A secret outside the data dir must stay unreachable.
	secret := filepath.Join(filepath.Dir(f.dataDir), "secret.txt")
	if err := os.WriteFile(secret, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/files?dataset=running_trade", nil)
	var listing struct {
		Dataset string             `json:"dataset"`
		Files   []csvsink.FileInfo `json:"files"`
	}
	decodeData(t, w, &listing)
	if len(listing.Files) != 1 || listing.Files[0].Name != "BBCA_2025-11-03.csv" {
		t.Fatalf("listing = %+v", listing)
	}

	if w = f.do(t, http.MethodGet, "/api/files?dataset=bogus", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus dataset code = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/files/download?path=running_trade/BBCA_2025-11-03.csv", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("id")) {
		t.Fatalf("download code = %d", w.Code)
	}

	for _, p := range []string{
		"../secret.txt",
		"running_trade/../../secret.txt",
		"/etc/passwd",
		"",
	} {
		w = f.do(t, http.MethodGet, "/api/files/download?path="+p, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("path %q: code = %d, want 400", p, w.Code)
		}
	}

	if w = f.do(t, http.MethodGet, "/api/files/download?path=running_trade/missing.csv", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing file code = %d", w.Code)
	}
}

func TestDaemonEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/daemon/watchlist", map[string]interface{}{
		"tickers": []string{"bbca", "tlkm"},
	})
	var status daemon.Status
	decodeData(t, w, &status)
	if len(status.Tickers) != 2 || status.Tickers[0] != "BBCA" {
		t.Fatalf("watchlist = %v", status.Tickers)
	}

	w = f.do(t, http.MethodPost, "/api/daemon/pause", nil)
	decodeData(t, w, &status)
	if !status.Paused {
		t.Fatal("daemon not paused")
	}
	w = f.do(t, http.MethodPost, "/api/daemon/resume", nil)
	decodeData(t, w, &status)
	if status.Paused {
		t.Fatal("daemon still paused")
	}

	w = f.do(t, http.MethodGet, "/api/daemon/status", nil)
	decodeData(t, w, &status)
	if status.Market.Status == "" {
		t.Fatalf("market status missing: %+v", status)
	}
}

func TestDaemonDisabled(t *testing.T) {
	f := newFixture(t)
	f.server.daemon = nil

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/daemon/status"},
		{http.MethodPost, "/api/daemon/pause"},
		{http.MethodPost, "/api/daemon/resume"},
	} {
		if w := f.do(t, route.method, route.path, nil); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: code = %d, want 503", route.method, route.path, w.Code)
		}
	}
}

func TestStreamEndpointsNotFound(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodGet, "/api/streams/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get unknown stream code = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/streams/nope/stop", nil); w.Code != http.StatusNotFound {
		t.Fatalf("stop unknown stream code = %d", w.Code)
	}
	var listed []stream.Stats
	w := f.do(t, http.MethodGet, "/api/streams", nil)
	decodeData(t, w, &listed)
	if len(listed) != 0 {
		t.Fatalf("unexpected sessions: %+v", listed)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health code = %d", w.Code)
	}
	var body struct {
		Status        string `json:"status"`
		DaemonEnabled bool   `json:"daemon_enabled"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || !body.DaemonEnabled {
		t.Fatalf("health body = %+v", body)
	}
}
