// Package credentials holds the operator-supplied Stockbit bearer token and
// session cookies, persists them to config_data/token.json, and answers
// validity queries for the REST client and streaming sessions.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// DefaultSafetyMargin is subtracted from the token expiry when answering
// IsValid, so callers stop using a token shortly before the broker does.
const DefaultSafetyMargin = time.Minute

// ExpiryState classifies what the store knows about the current token.
type ExpiryState int

const (
	ExpiryUnknown ExpiryState = iota
	ExpiryValid
	ExpiryExpired
)

// fileCredential is the on-disk shape of config_data/token.json.
type fileCredential struct {
	AccessToken string     `json:"access_token"`
	Cookies     *string    `json:"cookies"`
	ExpiresAt   *time.Time `json:"expires_at"`
	UserID      *int64     `json:"user_id"`
}

// Status is the read-only snapshot served by the control surface.
type Status struct {
	HasToken        bool       `json:"has_token"`
	Valid           bool       `json:"valid"`
	Expired         bool       `json:"expired"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	SecondsToExpiry *int64     `json:"time_until_expiry,omitempty"`
	UserID          *int64     `json:"user_id,omitempty"`
	HasCookies      bool       `json:"has_cookies"`
	Message         string     `json:"message"`
}

// Store is safe for concurrent use: many readers, one mutator at a time.
type Store struct {
	mu     sync.RWMutex
	once   sync.Once
	path   string
	margin time.Duration
	logger zerolog.Logger
	now    func() time.Time

	token      string
	cookies    string
	expiresAt  *time.Time
	userID     *int64
	acquiredAt time.Time

	refreshHook func(context.Context) error
	onChange    []func()
}

// NewStore creates a store backed by the given file path. The file is read
// lazily on first access, so a missing file is not an error.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		margin: DefaultSafetyMargin,
		logger: logger.With().Str("component", "credentials").Logger(),
		now:    time.Now,
	}
}

// Set replaces the current credential and persists it. Claim extraction is
// best effort: a token that does not parse as a JWT is stored opaquely and
// its validity becomes unknown. An empty token is treated as Clear.
func (s *Store) Set(token, cookies string) error {
	if token == "" {
		return s.Clear()
	}

	expiresAt, userID := extractClaims(token)

	s.load()
	s.mu.Lock()

	s.token = token
	s.cookies = cookies
	s.expiresAt = expiresAt
	s.userID = userID
	s.acquiredAt = s.now()

	if err := s.saveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	listeners := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	ev := s.logger.Info()
	if expiresAt != nil {
		ev = ev.Time("expires_at", *expiresAt)
	}
	ev.Bool("has_cookies", cookies != "").Msg("credential updated")

	notify(listeners)
	return nil
}

// Token returns the current bearer token, or false when none is set.
func (s *Store) Token() (string, bool) {
	s.load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", false
	}
	return s.token, true
}

// Cookies returns the session cookie string, possibly empty.
func (s *Store) Cookies() string {
	s.load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cookies
}

// UserID returns the user id extracted from token claims, if any.
func (s *Store) UserID() (int64, bool) {
	s.load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == nil {
		return 0, false
	}
	return *s.userID, true
}

// IsValid reports whether a token is present and not past its best-known
// expiry minus the safety margin. Unknown expiry counts as valid.
func (s *Store) IsValid() bool {
	s.load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return false
	}
	if s.expiresAt == nil {
		return true
	}
	return s.now().Before(s.expiresAt.Add(-s.margin))
}

// TimeUntilExpiry returns the remaining lifetime of the token.
func (s *Store) TimeUntilExpiry() (time.Duration, ExpiryState) {
	s.load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || s.expiresAt == nil {
		return 0, ExpiryUnknown
	}
	left := s.expiresAt.Sub(s.now())
	if left <= 0 {
		return 0, ExpiryExpired
	}
	return left, ExpiryValid
}

// Clear removes the credential from memory and disk.
func (s *Store) Clear() error {
	s.load()
	s.mu.Lock()

	s.token = ""
	s.cookies = ""
	s.expiresAt = nil
	s.userID = nil
	s.acquiredAt = time.Time{}

	if err := s.saveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	listeners := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	s.logger.Info().Msg("credential cleared")
	notify(listeners)
	return nil
}

// GetStatus builds the status snapshot for the control surface.
func (s *Store) GetStatus() Status {
	s.load()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return Status{Message: "No token set. Please enter your Bearer token."}
	}

	st := Status{
		HasToken:   true,
		ExpiresAt:  s.expiresAt,
		UserID:     s.userID,
		HasCookies: s.cookies != "",
	}
	if s.expiresAt == nil {
		st.Valid = true
		st.Message = "Token set; expiry unknown."
		return st
	}

	left := s.expiresAt.Sub(s.now())
	if left <= 0 {
		st.Expired = true
		st.Message = "Token expired. Please enter a new token."
		return st
	}
	secs := int64(left.Seconds())
	st.Valid = left > s.margin
	st.SecondsToExpiry = &secs
	st.Message = fmt.Sprintf("Token valid for %d minutes", secs/60)
	return st
}

// SetRefreshHook registers a function that sessions invoke before
// reconnecting, so an externally driven refresh can run first.
func (s *Store) SetRefreshHook(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshHook = fn
}

// Refresh runs the registered refresh hook, if any.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.RLock()
	hook := s.refreshHook
	s.mu.RUnlock()
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// OnChange registers a callback fired after every Set or Clear. Callbacks
// run on the mutating goroutine once the store's lock is released, so they
// are free to query the store.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}

// load lazily reads the token file exactly once, before the caller takes
// the lock for its own access.
func (s *Store) load() {
	s.once.Do(s.loadFile)
}

func (s *Store) loadFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("failed to read token file")
		}
		return
	}
	var fc fileCredential
	if err := json.Unmarshal(data, &fc); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("token file is not valid JSON")
		return
	}
	s.token = fc.AccessToken
	if fc.Cookies != nil {
		s.cookies = *fc.Cookies
	}
	s.expiresAt = fc.ExpiresAt
	s.userID = fc.UserID
}

// saveLocked writes the credential atomically: temp file in the same
// directory, then rename.
func (s *Store) saveLocked() error {
	fc := fileCredential{
		AccessToken: s.token,
		ExpiresAt:   s.expiresAt,
		UserID:      s.userID,
	}
	if s.cookies != "" {
		fc.Cookies = &s.cookies
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "token-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// extractClaims pulls expiry and user id out of a JWT without verifying
// the signature; the broker signed it, we just read it.
func extractClaims(token string) (*time.Time, *int64) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, nil
	}

	var expiresAt *time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		expiresAt = &t
	}

	var userID *int64
	for _, key := range []string{"user_id", "userId", "uid", "sub"} {
		raw, ok := claims[key]
		if !ok {
			continue
		}
		if id, ok := claimToInt64(raw); ok {
			userID = &id
			break
		}
	}
	return expiresAt, userID
}

func claimToInt64(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		if id, err := v.Int64(); err == nil {
			return id, true
		}
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}
