package stream

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credentials"
	"stockbit-ingest/internal/csvsink"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = fmt.Errorf("stream: session not found")

// Manager tracks the live sessions. Terminal sessions stay listed for
// inspection until Reap.
type Manager struct {
	cfg    Config
	creds  *credentials.Store
	keys   KeySource
	sink   *csvsink.Sink
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires a manager; cfg.URL is the broker's streaming endpoint.
func NewManager(cfg Config, creds *credentials.Store, keys KeySource, sink *csvsink.Sink, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		creds:    creds,
		keys:     keys,
		sink:     sink,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Start creates and launches a session. An empty id is auto-generated; an
// id colliding with a non-terminal session is refused.
func (m *Manager) Start(id string, tickers []string, maxRetries int) (Stats, error) {
	if id == "" {
		id = uuid.NewString()
	}

	cfg := m.cfg
	cfg.MaxRetries = maxRetries

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[id]; ok && !existing.State().Terminal() {
		return Stats{}, fmt.Errorf("stream: session %s already running", id)
	}

	session, err := newSession(id, tickers, cfg, m.creds, m.keys, m.sink, m.logger)
	if err != nil {
		return Stats{}, err
	}
	m.sessions[id] = session
	session.start()
	return session.Stats(), nil
}

// Stop stops one session and waits for it; stats stay readable.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	session.Stop()
	return nil
}

// Get returns the stats snapshot of one session.
func (m *Manager) Get(id string) (Stats, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return session.Stats(), nil
}

// List returns stats for every tracked session.
func (m *Manager) List() []Stats {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	stats := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, s.Stats())
	}
	return stats
}

// StopAll stops every session concurrently and waits for all of them.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}

// Reap drops terminal sessions from the listing and returns how many went.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.State().Terminal() {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
