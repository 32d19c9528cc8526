// Package daemon supervises one streaming session around IDX trading
// hours: it starts the stream shortly before each session opens, stops it
// over the lunch break and after close, restarts unhealthy streams, and
// persists the ticker watchlist across restarts.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stockbit-ingest/internal/stream"
)

// State of the supervisor.
type State string

const (
	StateStopped       State = "stopped"
	StateNoTickers     State = "no_tickers"
	StateWaitingMarket State = "waiting_market"
	StateStreaming     State = "streaming"
	StatePaused        State = "paused"
)

// sessionID names the one stream the daemon owns.
const sessionID = "market-hours"

const defaultCheckEvery = 30 * time.Second

// WIB is IDX exchange time, UTC+7 with no daylight saving.
var WIB = time.FixedZone("WIB", 7*3600)

// MarketStatus describes where "now" falls in the IDX trading day.
type MarketStatus struct {
	Open    bool      `json:"is_open"`
	Status  string    `json:"status"` // open, break, closed
	Session int       `json:"session,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Now     time.Time `json:"current_time"`
}

type window struct{ open, close string }

// Trading sessions with 5-minute margins on both ends, so the stream is up
// before the first print and catches the closing auction.
var (
	monThu = [2]window{{"08:55", "12:05"}, {"13:25", "15:54"}}
	friday = [2]window{{"08:55", "11:35"}, {"13:55", "15:54"}}
)

// MarketStatusAt classifies an instant against the IDX calendar.
func MarketStatusAt(now time.Time) MarketStatus {
	wib := now.In(WIB)
	status := MarketStatus{Now: wib, Status: "closed"}

	switch wib.Weekday() {
	case time.Saturday, time.Sunday:
		status.Reason = "weekend"
		return status
	}

	sessions := monThu
	if wib.Weekday() == time.Friday {
		sessions = friday
	}

	hhmm := wib.Format("15:04")
	for i, w := range sessions {
		if hhmm >= w.open && hhmm < w.close {
			status.Open = true
			status.Status = "open"
			status.Session = i + 1
			return status
		}
	}
	if hhmm >= sessions[0].close && hhmm < sessions[1].open {
		status.Status = "break"
		status.Reason = "lunch break"
		return status
	}
	if hhmm < sessions[0].open {
		status.Reason = "before open"
	} else {
		status.Reason = "after close"
	}
	return status
}

// StreamController is the slice of the session manager the daemon drives.
type StreamController interface {
	Start(id string, tickers []string, maxRetries int) (stream.Stats, error)
	Stop(id string) error
	Get(id string) (stream.Stats, error)
}

// Status is the snapshot served by the control surface.
type Status struct {
	State     State         `json:"state"`
	Paused    bool          `json:"paused"`
	Tickers   []string      `json:"tickers"`
	Market    MarketStatus  `json:"market"`
	Stream    *stream.Stats `json:"stream,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// Daemon runs one supervision loop. Safe for concurrent use.
type Daemon struct {
	streams       StreamController
	watchlistPath string
	logger        zerolog.Logger
	checkEvery    time.Duration
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	paused    bool
	tickers   []string
	streaming bool
	started   bool
	startedAt time.Time
}

// New loads the persisted watchlist and prepares the daemon; call Start to
// launch the loop.
func New(streams StreamController, watchlistPath string, logger zerolog.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		streams:       streams,
		watchlistPath: watchlistPath,
		logger:        logger.With().Str("component", "daemon").Logger(),
		checkEvery:    defaultCheckEvery,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		state:         StateStopped,
	}
	d.loadWatchlist()
	return d
}

// Start launches the supervision loop. Safe to call once.
func (d *Daemon) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.startedAt = d.now()
	if len(d.tickers) == 0 {
		d.state = StateNoTickers
	} else {
		d.state = StateWaitingMarket
	}
	d.mu.Unlock()
	go d.loop()
}

// Stop ends the loop and the stream it owns.
func (d *Daemon) Stop() {
	d.cancel()
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
	d.stopStream()
	d.setState(StateStopped)
}

// Pause suspends supervision and stops the stream until Resume.
func (d *Daemon) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.stopStream()
	d.setState(StatePaused)
	d.logger.Info().Msg("daemon paused")
}

// Resume re-enables supervision; the next tick reopens the stream if the
// market is open.
func (d *Daemon) Resume() {
	d.mu.Lock()
	d.paused = false
	hasTickers := len(d.tickers) > 0
	d.mu.Unlock()
	if hasTickers {
		d.setState(StateWaitingMarket)
	} else {
		d.setState(StateNoTickers)
	}
	d.logger.Info().Msg("daemon resumed")
}

// SetTickers replaces the watchlist, persists it, and restarts a live
// stream so the subscription matches.
func (d *Daemon) SetTickers(tickers []string) error {
	cleaned := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}

	d.mu.Lock()
	d.tickers = cleaned
	streaming := d.streaming
	d.mu.Unlock()

	if err := d.saveWatchlist(); err != nil {
		return err
	}
	d.logger.Info().Strs("tickers", cleaned).Msg("watchlist updated")

	if streaming {
		d.stopStream()
		if len(cleaned) > 0 {
			d.startStream()
		}
	}
	d.mu.Lock()
	if !d.paused && !d.streaming {
		if len(cleaned) == 0 {
			d.state = StateNoTickers
		} else if d.state == StateNoTickers {
			d.state = StateWaitingMarket
		}
	}
	d.mu.Unlock()
	return nil
}

// Tickers returns a copy of the watchlist.
func (d *Daemon) Tickers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tickers...)
}

// GetStatus builds the status snapshot.
func (d *Daemon) GetStatus() Status {
	d.mu.Lock()
	st := Status{
		State:     d.state,
		Paused:    d.paused,
		Tickers:   append([]string(nil), d.tickers...),
		StartedAt: d.startedAt,
	}
	streaming := d.streaming
	d.mu.Unlock()

	st.Market = MarketStatusAt(d.now())
	if streaming {
		if stats, err := d.streams.Get(sessionID); err == nil {
			st.Stream = &stats
		}
	}
	return st
}

func (d *Daemon) setState(state State) {
	d.mu.Lock()
	if d.state != state {
		d.logger.Info().Str("from", string(d.state)).Str("to", string(state)).Msg("daemon state")
	}
	d.state = state
	d.mu.Unlock()
}

func (d *Daemon) loop() {
	defer close(d.done)
	ticker := time.NewTicker(d.checkEvery)
	defer ticker.Stop()

	for {
		d.tick()
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick reconciles the stream with the market clock.
func (d *Daemon) tick() {
	d.mu.Lock()
	paused := d.paused
	tickers := append([]string(nil), d.tickers...)
	streaming := d.streaming
	d.mu.Unlock()

	if paused {
		return
	}
	if len(tickers) == 0 {
		if streaming {
			d.stopStream()
		}
		d.setState(StateNoTickers)
		return
	}

	market := MarketStatusAt(d.now())
	if !market.Open {
		if streaming {
			d.logger.Info().Str("status", market.Status).Msg("market not open, stopping stream")
			d.stopStream()
		}
		d.setState(StateWaitingMarket)
		return
	}

	if !streaming {
		d.logger.Info().Int("session", market.Session).Msg("market open, starting stream")
		d.startStream()
		return
	}
	if !d.streamHealthy() {
		d.logger.Warn().Msg("stream unhealthy, restarting")
		d.stopStream()
		d.startStream()
	}
}

func (d *Daemon) startStream() {
	d.mu.Lock()
	tickers := append([]string(nil), d.tickers...)
	d.mu.Unlock()

	if _, err := d.streams.Start(sessionID, tickers, 0); err != nil {
		d.logger.Error().Err(err).Msg("starting stream")
		return
	}
	d.mu.Lock()
	d.streaming = true
	d.mu.Unlock()
	d.setState(StateStreaming)
}

func (d *Daemon) stopStream() {
	d.mu.Lock()
	streaming := d.streaming
	d.streaming = false
	d.mu.Unlock()
	if !streaming {
		return
	}
	if err := d.streams.Stop(sessionID); err != nil && !errors.Is(err, stream.ErrNotFound) {
		d.logger.Error().Err(err).Msg("stopping stream")
	}
}

// streamHealthy treats connected as healthy and brief retrying as
// tolerable; terminal states need a restart.
func (d *Daemon) streamHealthy() bool {
	stats, err := d.streams.Get(sessionID)
	if err != nil {
		return false
	}
	switch stats.State {
	case stream.StateConnected, stream.StateConnecting:
		return true
	case stream.StateRetrying:
		// A couple of retries is normal churn; a long streak is stuck.
		return stats.RetryCount <= 3
	default:
		return false
	}
}

type watchlistFile struct {
	Tickers []string `json:"tickers"`
}

func (d *Daemon) loadWatchlist() {
	data, err := os.ReadFile(d.watchlistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn().Err(err).Msg("reading watchlist")
		}
		return
	}
	var wf watchlistFile
	if err := json.Unmarshal(data, &wf); err != nil {
		d.logger.Warn().Err(err).Msg("watchlist file is not valid JSON")
		return
	}
	d.tickers = wf.Tickers
	d.logger.Info().Strs("tickers", d.tickers).Msg("watchlist loaded")
}

func (d *Daemon) saveWatchlist() error {
	d.mu.Lock()
	wf := watchlistFile{Tickers: append([]string(nil), d.tickers...)}
	d.mu.Unlock()

	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("daemon: marshal watchlist: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.watchlistPath), 0o755); err != nil {
		return fmt.Errorf("daemon: create watchlist dir: %w", err)
	}
	tmp := d.watchlistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("daemon: write watchlist: %w", err)
	}
	if err := os.Rename(tmp, d.watchlistPath); err != nil {
		return fmt.Errorf("daemon: replace watchlist: %w", err)
	}
	return nil
}
