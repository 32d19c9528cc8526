package stream

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credentials"
	"stockbit-ingest/internal/csvsink"
	"stockbit-ingest/internal/wire"
)

// mockBroker upgrades connections and hands each one, in order, to the
// scripted handler.
type mockBroker struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    int
	handlers []func(conn *websocket.Conn, sub *wire.DecodedSubscription)
}

func newMockBroker(t *testing.T, handlers ...func(conn *websocket.Conn, sub *wire.DecodedSubscription)) *mockBroker {
	b := &mockBroker{t: t, handlers: handlers}
	// Sessions dial with the broker's Origin header; accept it.
	b.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *mockBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *mockBroker) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns
}

func (b *mockBroker) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		b.t.Error("handshake missing Authorization header")
	}
	if origin := r.Header.Get("Origin"); origin != "https://stockbit.com" {
		b.t.Errorf("handshake Origin = %q, want https://stockbit.com", origin)
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if msgType != websocket.BinaryMessage {
		b.t.Errorf("subscription sent as message type %d, want binary", msgType)
		return
	}
	sub, err := wire.DecodeSubscribeRequest(data)
	if err != nil {
		b.t.Errorf("subscription frame did not decode: %v", err)
		return
	}

	b.mu.Lock()
	idx := b.conns
	b.conns++
	var handler func(conn *websocket.Conn, sub *wire.DecodedSubscription)
	if idx < len(b.handlers) {
		handler = b.handlers[idx]
	} else if len(b.handlers) > 0 {
		handler = b.handlers[len(b.handlers)-1]
	}
	b.mu.Unlock()

	if handler != nil {
		handler(conn, sub)
	}
}

func sendOrderbook(t *testing.T, conn *websocket.Conn, ticker, payload string) {
	t.Helper()
	frame := wire.EncodeOrderbookFrame(&wire.OrderbookFrame{
		Ticker:  ticker,
		Payload: payload,
		Extra:   []wire.RawField{{Number: 5, Type: 2, Bytes: []byte("2025-11-03T10:15:00")}},
	})
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Errorf("send frame: %v", err)
	}
}

// holdOpen keeps the connection alive until the client drops it.
func holdOpen(conn *websocket.Conn, _ *wire.DecodedSubscription) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type stubKeys struct {
	mu  sync.Mutex
	key string
	err error
}

func (s *stubKeys) FetchTradingKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.err
}

type fixture struct {
	manager *Manager
	data    string
}

func newFixture(t *testing.T, url string) *fixture {
	t.Helper()
	dir := t.TempDir()

	creds := credentials.NewStore(filepath.Join(dir, "token.json"), zerolog.Nop())
	if err := creds.Set("test-token", "sid=1"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	sink := csvsink.New(filepath.Join(dir, "data"), "orderbook", csvsink.OrderbookColumns, time.UTC, zerolog.Nop())
	t.Cleanup(func() { sink.Close() })

	cfg := Config{
		URL:         url,
		BackoffBase: 50 * time.Millisecond,
		BackoffCap:  200 * time.Millisecond,
		PingEvery:   100 * time.Millisecond,
		PongWithin:  500 * time.Millisecond,
	}
	manager := NewManager(cfg, creds, &stubKeys{key: "K"}, sink, zerolog.Nop())
	t.Cleanup(manager.StopAll)
	return &fixture{manager: manager, data: filepath.Join(dir, "data")}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return records
}

func TestStreamingReconnect(t *testing.T) {
	broker := newMockBroker(t,
		func(conn *websocket.Conn, sub *wire.DecodedSubscription) {
			if sub.TradingKey != "K" || sub.Token != "test-token" {
				t.Errorf("subscription = key %q token %q", sub.TradingKey, sub.Token)
			}
			// 2 tickers x 4 derived forms.
			if len(sub.TickerEntries) != 8 {
				t.Errorf("subscription carries %d ticker entries, want 8", len(sub.TickerEntries))
			}
			sendOrderbook(t, conn, "BBCA", "#O|BBCA|BID|9100;120;109200000")
			sendOrderbook(t, conn, "TLKM", "#O|TLKM|OFFER|3200;55;17600000")
			// Unclean close drives the session into retrying.
		},
		holdOpen,
	)
	fx := newFixture(t, broker.url())

	stats, err := fx.manager.Start("s1", []string{"BBCA", "TLKM"}, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if stats.SessionID != "s1" {
		t.Errorf("session id = %q", stats.SessionID)
	}

	waitFor(t, "reconnect", func() bool {
		st, err := fx.manager.Get("s1")
		return err == nil && st.TotalReconnects >= 1 && st.State == StateConnected
	})

	st, err := fx.manager.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.RetryCount != 0 {
		t.Errorf("retry_count = %d, want reset on connect", st.RetryCount)
	}
	if st.Messages["BBCA"] != 1 || st.Messages["TLKM"] != 1 {
		t.Errorf("counters = %v", st.Messages)
	}
	if broker.connCount() < 2 {
		t.Errorf("broker saw %d connections, want at least 2", broker.connCount())
	}

	bbca := readCSV(t, filepath.Join(fx.data, "orderbook", "2025-11-03_BBCA.csv"))
	if len(bbca) != 2 || bbca[1][1] != "9100" || bbca[1][4] != "BID" {
		t.Errorf("BBCA csv = %v", bbca)
	}
	tlkm := readCSV(t, filepath.Join(fx.data, "orderbook", "2025-11-03_TLKM.csv"))
	if len(tlkm) != 2 || tlkm[1][4] != "OFFER" {
		t.Errorf("TLKM csv = %v", tlkm)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	broker := newMockBroker(t, func(conn *websocket.Conn, sub *wire.DecodedSubscription) {
		// Claims 200 payload bytes, sends none.
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x52, 0xc8, 0x01})
		sendOrderbook(t, conn, "BBCA", "#O|BBCA|BID|9100;120;109200000")
		holdOpen(conn, sub)
	})
	fx := newFixture(t, broker.url())

	if _, err := fx.manager.Start("s1", []string{"BBCA"}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "good frame after malformed one", func() bool {
		st, err := fx.manager.Get("s1")
		return err == nil && st.Messages["BBCA"] == 1 && st.MalformedFrames == 1
	})
	st, _ := fx.manager.Get("s1")
	if st.State != StateConnected {
		t.Errorf("state = %s, malformed frame must not drop the connection", st.State)
	}
}

func TestRetriesExhaustedErrors(t *testing.T) {
	fx := newFixture(t, "ws://127.0.0.1:1/ws") // nothing listens

	if _, err := fx.manager.Start("s1", []string{"BBCA"}, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "errored state", func() bool {
		st, err := fx.manager.Get("s1")
		return err == nil && st.State == StateErrored
	})
	st, _ := fx.manager.Get("s1")
	if st.LastError == "" {
		t.Error("errored session carries no last_error")
	}
}

func TestZeroTickersRejected(t *testing.T) {
	fx := newFixture(t, "ws://127.0.0.1:1/ws")
	if _, err := fx.manager.Start("", nil, 0); err == nil {
		t.Error("expected error for zero tickers")
	}
}

func TestDuplicateIDRefused(t *testing.T) {
	broker := newMockBroker(t, holdOpen)
	fx := newFixture(t, broker.url())

	if _, err := fx.manager.Start("dup", []string{"BBCA"}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := fx.manager.Start("dup", []string{"TLKM"}, 0); err == nil {
		t.Error("expected duplicate id refusal")
	}

	// A terminal session frees the id.
	if err := fx.manager.Stop("dup"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := fx.manager.Start("dup", []string{"TLKM"}, 0); err != nil {
		t.Errorf("restart after stop refused: %v", err)
	}
}

func TestStopDuringBackoff(t *testing.T) {
	fx := newFixture(t, "ws://127.0.0.1:1/ws")

	if _, err := fx.manager.Start("s1", []string{"BBCA"}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "retrying state", func() bool {
		st, err := fx.manager.Get("s1")
		return err == nil && (st.State == StateRetrying || st.State == StateConnecting)
	})

	done := make(chan struct{})
	go func() {
		fx.manager.Stop("s1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the backoff sleep")
	}

	st, err := fx.manager.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.State != StateStopped {
		t.Errorf("state = %s, want stopped", st.State)
	}
}

func TestStopUnknownSession(t *testing.T) {
	fx := newFixture(t, "ws://127.0.0.1:1/ws")
	if err := fx.manager.Stop("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReapDropsTerminalOnly(t *testing.T) {
	broker := newMockBroker(t, holdOpen)
	fx := newFixture(t, broker.url())

	if _, err := fx.manager.Start("live", []string{"BBCA"}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := fx.manager.Start("dead", []string{"TLKM"}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.manager.Stop("dead"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if n := fx.manager.Reap(); n != 1 {
		t.Errorf("reaped %d sessions, want 1", n)
	}
	if _, err := fx.manager.Get("dead"); !errors.Is(err, ErrNotFound) {
		t.Error("reaped session still listed")
	}
	if _, err := fx.manager.Get("live"); err != nil {
		t.Error("live session was reaped")
	}
}

func TestBackoffMonotonic(t *testing.T) {
	base := 5 * time.Second
	cap := 5 * time.Minute
	prev := time.Duration(0)
	for n := 1; n <= 12; n++ {
		d := backoffDelay(n, base, cap)
		if d < prev {
			t.Errorf("delay for retry %d (%v) below previous (%v)", n, d, prev)
		}
		if d > cap {
			t.Errorf("delay for retry %d (%v) above cap", n, d)
		}
		prev = d
	}
	if got := backoffDelay(1, base, cap); got != 5*time.Second {
		t.Errorf("first delay = %v, want 5s", got)
	}
	if got := backoffDelay(4, base, cap); got != 40*time.Second {
		t.Errorf("fourth delay = %v, want 40s", got)
	}
	if got := backoffDelay(10, base, cap); got != cap {
		t.Errorf("tenth delay = %v, want the cap", got)
	}
}
