package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/webtty/internal/logutil"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultSessionTTL = 1 * time.Hour
	BcryptCost        = 12
	AnonymousUser     = "anonymous"

	tokenBytes = 32
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownSession     = errors.New("unknown session")
	ErrSessionExpired     = errors.New("session expired")
)

func hashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Session is a copy of a server-issued login. Mutating it has no effect on
// the session table.
type Session struct {
	Token        string
	Username     string
	Anonymous    bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// ExpireFunc is called for every session removed by Sweep.
type ExpireFunc func(s Session)

// Options configures a Manager.
type Options struct {
	// Disabled turns off credential checks; every connection receives an
	// anonymous session instead.
	Disabled bool
	Username string
	Password string

	// TTL is the sliding idle window for authenticated sessions.
	TTL time.Duration
	// MaxLifetime caps a session's total age regardless of activity.
	// Zero means no cap.
	MaxLifetime time.Duration
	// AnonymousLifetime is the sliding idle window for anonymous sessions.
	AnonymousLifetime time.Duration

	// BcryptCost overrides BcryptCost. Tests use bcrypt.MinCost.
	BcryptCost int
}

// Manager verifies the shared credential pair and owns the session table.
// All access to the table goes through its methods.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]Session
	cbs      []ExpireFunc

	disabled     bool
	username     string
	passwordHash string
	ttl          time.Duration
	maxLifetime  time.Duration
	anonLifetime time.Duration

	nowFn func() time.Time // injectable clock for testing
}

// NewManager hashes the configured password and returns a ready Manager.
// The plaintext password is not retained.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		sessions:     make(map[string]Session),
		disabled:     opts.Disabled,
		ttl:          opts.TTL,
		maxLifetime:  opts.MaxLifetime,
		anonLifetime: opts.AnonymousLifetime,
		nowFn:        time.Now,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultSessionTTL
	}
	if m.anonLifetime <= 0 {
		m.anonLifetime = m.ttl
	}

	if m.disabled {
		log.Printf("[auth] WARNING: authentication is DISABLED; every client gets an anonymous shell session")
		return m, nil
	}

	if opts.Username == "" || opts.Password == "" {
		return nil, errors.New("username and password are required when auth is enabled")
	}
	cost := opts.BcryptCost
	if cost == 0 {
		cost = BcryptCost
	}
	hash, err := hashPassword(opts.Password, cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	m.username = opts.Username
	m.passwordHash = hash
	log.Printf("[auth] authentication enabled for user %s", logutil.SanitizeForLog(opts.Username))
	return m, nil
}

// Disabled reports whether credential checks are off.
func (m *Manager) Disabled() bool {
	return m.disabled
}

// Authenticate checks the credential pair and issues a new session.
// The password comparison runs even when the username is wrong so the
// response time does not reveal which field was incorrect.
func (m *Manager) Authenticate(username, password string) (Session, error) {
	if m.disabled {
		return m.issue(AnonymousUser, true)
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) == 1
	passOK := checkPassword(password, m.passwordHash)
	if !userOK || !passOK {
		return Session{}, ErrInvalidCredentials
	}
	return m.issue(m.username, false)
}

// Validate returns the session for token and slides its expiry forward.
// In disabled mode an unknown or expired token is replaced by a fresh
// anonymous session, so the caller must adopt the returned token.
func (m *Manager) Validate(token string) (Session, error) {
	now := m.nowFn()

	m.mu.Lock()
	s, ok := m.sessions[token]
	switch {
	case ok && !now.After(s.ExpiresAt):
		s.LastActivity = now
		s.ExpiresAt = m.expiry(s, now)
		m.sessions[token] = s
		m.mu.Unlock()
		return s, nil
	case m.disabled:
		m.mu.Unlock()
		return m.issue(AnonymousUser, true)
	case ok:
		// Left in place for Sweep, which owns removal and expiry callbacks.
		m.mu.Unlock()
		return Session{}, ErrSessionExpired
	default:
		m.mu.Unlock()
		return Session{}, ErrUnknownSession
	}
}

// Invalidate removes token. Unknown tokens are ignored.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	_, ok := m.sessions[token]
	delete(m.sessions, token)
	m.mu.Unlock()
	if ok {
		log.Printf("[auth] session %s invalidated", logutil.RedactToken(token))
	}
}

// OnExpire registers a callback fired by Sweep for each expired session.
func (m *Manager) OnExpire(cb ExpireFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbs = append(m.cbs, cb)
}

// Sweep removes every expired session and returns how many were removed.
// Callbacks run after the table lock is released.
func (m *Manager) Sweep() int {
	now := m.nowFn()

	m.mu.Lock()
	var expired []Session
	for token, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			expired = append(expired, s)
			delete(m.sessions, token)
		}
	}
	cbs := make([]ExpireFunc, len(m.cbs))
	copy(cbs, m.cbs)
	m.mu.Unlock()

	for _, s := range expired {
		log.Printf("[auth] session %s for %s expired", logutil.RedactToken(s.Token), logutil.SanitizeForLog(s.Username))
		for _, cb := range cbs {
			cb(s)
		}
	}
	return len(expired)
}

// Schedule registers Sweep on c at the given interval.
func (m *Manager) Schedule(c *cron.Cron, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	_, err := c.AddFunc("@every "+interval.String(), func() {
		if n := m.Sweep(); n > 0 {
			log.Printf("[auth] sweep removed %d expired session(s), %d remaining", n, m.Count())
		}
	})
	return err
}

// Count returns the number of sessions in the table, expired or not.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) issue(username string, anonymous bool) (Session, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return Session{}, fmt.Errorf("generate session token: %w", err)
	}
	now := m.nowFn()
	s := Session{
		Token:        hex.EncodeToString(b),
		Username:     username,
		Anonymous:    anonymous,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.ExpiresAt = m.expiry(s, now)

	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()

	if anonymous {
		log.Printf("[auth] WARNING: issued anonymous session %s (auth disabled)", logutil.RedactToken(s.Token))
	}
	return s, nil
}

// expiry computes the sliding expiry for s at now, capped by MaxLifetime.
func (m *Manager) expiry(s Session, now time.Time) time.Time {
	window := m.ttl
	if s.Anonymous {
		window = m.anonLifetime
	}
	exp := now.Add(window)
	if m.maxLifetime > 0 {
		if limit := s.CreatedAt.Add(m.maxLifetime); exp.After(limit) {
			exp = limit
		}
	}
	return exp
}
