// Package stream maintains the real-time orderbook WebSocket sessions: one
// connection per subscription set, a read loop that decodes binary frames
// into CSV rows, a heartbeat loop, and reconnection with exponential
// backoff and pre-connect credential refresh.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credentials"
	"stockbit-ingest/internal/csvsink"
	"stockbit-ingest/internal/wire"
)

// State of a session's connection machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRetrying     State = "retrying"
	StateStopped      State = "stopped"
	StateErrored      State = "errored"
)

// Terminal reports whether the session will make no further attempts.
func (s State) Terminal() bool { return s == StateStopped || s == StateErrored }

// Reconnect and keepalive policy.
const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = 5 * time.Minute
	DefaultPingEvery   = 30 * time.Second
	DefaultPongWithin  = 10 * time.Second

	handshakeTimeout = 15 * time.Second
	writeTimeout     = 10 * time.Second
)

// KeySource supplies the trading key for the subscription frame.
type KeySource interface {
	FetchTradingKey(ctx context.Context) (string, error)
}

// Config parameterizes a session. Zero durations take the defaults.
type Config struct {
	URL         string
	MaxRetries  int // 0 = unbounded
	BackoffBase time.Duration
	BackoffCap  time.Duration
	PingEvery   time.Duration
	PongWithin  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.PingEvery <= 0 {
		c.PingEvery = DefaultPingEvery
	}
	if c.PongWithin <= 0 {
		c.PongWithin = DefaultPongWithin
	}
	return c
}

// Stats is the read-only snapshot of a session.
type Stats struct {
	SessionID       string           `json:"session_id"`
	Tickers         []string         `json:"tickers"`
	State           State            `json:"state"`
	RetryCount      int              `json:"retry_count"`
	TotalReconnects int              `json:"total_reconnects"`
	LastError       string           `json:"last_error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	LastDisconnect  *time.Time       `json:"last_disconnect_at,omitempty"`
	Messages        map[string]int64 `json:"messages"`
	MalformedFrames int64            `json:"malformed_frames"`
}

// Session owns one WebSocket. Exactly one connection is open while the
// state is connected; none in any other state.
type Session struct {
	id      string
	tickers []string
	cfg     Config
	creds   *credentials.Store
	keys    KeySource
	sink    *csvsink.Sink
	logger  zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	started  bool

	mu              sync.RWMutex
	state           State
	conn            *websocket.Conn
	retryCount      int
	totalReconnects int
	connectedOnce   bool
	lastError       string
	startedAt       time.Time
	lastDisconnect  *time.Time
	counters        map[string]int64
	malformed       int64
}

func newSession(id string, tickers []string, cfg Config, creds *credentials.Store, keys KeySource, sink *csvsink.Sink, logger zerolog.Logger) (*Session, error) {
	if len(tickers) == 0 {
		return nil, errors.New("stream: session needs at least one ticker")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		tickers:  append([]string(nil), tickers...),
		cfg:      cfg.withDefaults(),
		creds:    creds,
		keys:     keys,
		sink:     sink,
		logger:   logger.With().Str("component", "stream").Str("session_id", id).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateDisconnected,
		counters: make(map[string]int64),
	}, nil
}

func (s *Session) start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()
	go s.run()
}

// Stop cancels the session and waits for the loops to exit. Idempotent;
// interrupts any pending backoff sleep immediately.
func (s *Session) Stop() {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	started := s.started
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if !started {
		s.stopOnce.Do(func() {
			s.setState(StateStopped)
			close(s.done)
		})
		return
	}
	<-s.done
}

// Stats returns a copy of the session's counters and state.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		messages[k] = v
	}
	return Stats{
		SessionID:       s.id,
		Tickers:         append([]string(nil), s.tickers...),
		State:           s.state,
		RetryCount:      s.retryCount,
		TotalReconnects: s.totalReconnects,
		LastError:       s.lastError,
		StartedAt:       s.startedAt,
		LastDisconnect:  s.lastDisconnect,
		Messages:        messages,
		MalformedFrames: s.malformed,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
	s.logger.Warn().Err(err).Msg("session error")
}

func (s *Session) run() {
	defer close(s.done)
	for {
		if s.ctx.Err() != nil {
			s.setState(StateStopped)
			return
		}
		s.setState(StateConnecting)

		conn, err := s.connect()
		if err != nil {
			if s.ctx.Err() != nil {
				s.setState(StateStopped)
				return
			}
			s.recordError(err)
			if !s.waitRetry() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateConnected
		s.retryCount = 0
		if s.connectedOnce {
			s.totalReconnects++
		}
		s.connectedOnce = true
		s.mu.Unlock()
		s.logger.Info().Strs("tickers", s.tickers).Msg("connected")

		readErr := s.readLoop(conn)
		conn.Close()

		now := time.Now()
		s.mu.Lock()
		s.conn = nil
		s.lastDisconnect = &now
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			s.setState(StateStopped)
			return
		}
		if readErr != nil {
			s.recordError(readErr)
		}
		if !s.waitRetry() {
			return
		}
	}
}

// connect performs one connection attempt: refresh hook, trading key, dial,
// subscription frame.
func (s *Session) connect() (*websocket.Conn, error) {
	if err := s.creds.Refresh(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("credential refresh hook failed")
	}

	key, err := s.keys.FetchTradingKey(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("trading key: %w", err)
	}

	token, ok := s.creds.Token()
	if !ok {
		return nil, errors.New("no credential set")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Origin", "https://stockbit.com")
	if cookies := s.creds.Cookies(); cookies != "" {
		header.Set("Cookie", cookies)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(s.ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", s.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	var userID uint64
	if id, ok := s.creds.UserID(); ok && id > 0 {
		userID = uint64(id)
	}
	req := &wire.SubscribeRequest{
		UserID:     userID,
		Tickers:    s.tickers,
		TradingKey: key,
		Token:      token,
	}
	frame, err := req.Encode()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode subscription: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscription: %w", err)
	}
	return conn, nil
}

// readLoop decodes frames until the connection fails. A companion heartbeat
// goroutine pings; only the read loop decodes, only the heartbeat writes
// pings.
func (s *Session) readLoop(conn *websocket.Conn) error {
	deadline := s.cfg.PingEvery + s.cfg.PongWithin
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	hbStop := make(chan struct{})
	defer close(hbStop)
	go s.heartbeat(conn, hbStop)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(deadline))
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(data)
	}
}

func (s *Session) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				// The read loop observes the broken connection.
				conn.Close()
				return
			}
		}
	}
}

// handleFrame turns one binary message into CSV rows. Malformed frames are
// dropped and counted; the connection is preserved.
func (s *Session) handleFrame(data []byte) {
	frame, err := wire.DecodeOrderbookFrame(data)
	if err != nil {
		s.noteMalformed(err)
		return
	}
	if frame == nil {
		return
	}
	update, err := wire.ParseOrderbookPayload(frame.Payload)
	if err != nil {
		s.noteMalformed(err)
		return
	}

	ts := frame.Timestamp()
	at := rowTime(ts)
	if ts == "" {
		ts = at.Format("2006-01-02T15:04:05")
	}
	rows := make([][]string, 0, len(update.Levels))
	for _, lvl := range update.Levels {
		rows = append(rows, []string{ts, lvl.Price, strconv.FormatInt(lvl.Lots, 10), lvl.Value, update.Side})
	}
	if err := s.sink.Append(update.Ticker, at, rows); err != nil {
		// Disk trouble is fatal for this session's usefulness; surface it
		// in last_error but keep the connection, the next append may heal.
		s.recordError(err)
		return
	}

	s.mu.Lock()
	s.counters[update.Ticker]++
	s.mu.Unlock()
}

func (s *Session) noteMalformed(err error) {
	s.mu.Lock()
	s.malformed++
	s.mu.Unlock()
	s.logger.Debug().Err(err).Msg("dropped malformed frame")
}

// waitRetry sleeps the backoff delay. False means the session reached a
// terminal state.
func (s *Session) waitRetry() bool {
	s.mu.Lock()
	s.retryCount++
	n := s.retryCount
	s.mu.Unlock()

	if s.cfg.MaxRetries > 0 && n > s.cfg.MaxRetries {
		s.setState(StateErrored)
		s.logger.Error().Int("retries", n-1).Msg("retries exhausted")
		return false
	}

	delay := backoffDelay(n, s.cfg.BackoffBase, s.cfg.BackoffCap)
	s.setState(StateRetrying)
	s.logger.Info().Dur("delay", delay).Int("attempt", n).Msg("reconnecting after backoff")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		s.setState(StateStopped)
		return false
	}
}

// backoffDelay is min(base * 2^(n-1), cap) for the n-th retry.
func backoffDelay(n int, base, cap time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	for i := 1; i < n; i++ {
		base *= 2
		if base >= cap {
			return cap
		}
	}
	if base > cap {
		return cap
	}
	return base
}

// rowTime interprets the server timestamp for daily-file routing; local
// time when the frame carried none or an unknown layout.
func rowTime(ts string) time.Time {
	if ts == "" {
		return time.Now()
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
		if secs > 1e12 {
			return time.UnixMilli(secs)
		}
		return time.Unix(secs, 0)
	}
	return time.Now()
}
