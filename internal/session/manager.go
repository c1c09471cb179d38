// Package session owns the client-side login state: the persisted token,
// the cached user and the login time, the periodic expiry sweep and the
// reaction to server-rejected credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"finet/internal/core"
	"finet/internal/log"
)

type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Reason string

const (
	ReasonExpired      Reason = "expired"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonLogout       Reason = "logout"
)

// Eviction describes why a session was removed.
type Eviction struct {
	Reason Reason
	At     time.Time
	User   core.User
}

// Message is the text shown to a user who was signed out.
func (e Eviction) Message() string {
	switch e.Reason {
	case ReasonExpired:
		return "Session expired. Please log in again."
	case ReasonUnauthorized:
		return "Your session is no longer valid. Please log in again."
	default:
		return "You have been logged out."
	}
}

// Authenticator exchanges credentials for a token and fetches the profile
// behind a token.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
	ProfileForToken(ctx context.Context, token string) (core.User, error)
}

var (
	ErrLoginInProgress = errors.New("login already in progress")
	ErrEmptyToken      = errors.New("empty token")
)

type Config struct {
	// Timeout is measured from the login time; it does not slide on activity.
	Timeout       time.Duration
	CheckInterval time.Duration
	Clock         func() time.Time
	Logger        *log.Logger
}

func DefaultConfig() Config {
	return Config{
		Timeout:       60 * time.Second,
		CheckInterval: 5 * time.Second,
		Clock:         time.Now,
	}
}

// Manager is the single owner of the session. It is safe for concurrent use.
type Manager struct {
	store  Store
	auth   Authenticator
	cfg    Config
	logger *log.Logger

	mu        sync.RWMutex
	state     State
	record    Record
	last      *Eviction
	listeners []func(Eviction)
}

func NewManager(store Store, auth Authenticator, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		store:  store,
		auth:   auth,
		cfg:    cfg,
		logger: logger.WithComponent(log.ComponentSession),
	}
}

// OnEvict registers fn to be called after every eviction.
func (m *Manager) OnEvict(fn func(Eviction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Token returns the current bearer token, or "" when signed out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Authenticated {
		return ""
	}
	return m.record.Token
}

func (m *Manager) User() core.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record.User
}

func (m *Manager) LoginTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record.LoginTime
}

// ExpiresAt returns when the sweep will evict the current session.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record.LoginTime.IsZero() {
		return time.Time{}
	}
	return m.record.LoginTime.Add(m.cfg.Timeout)
}

// LastEviction returns the most recent eviction, if any.
func (m *Manager) LastEviction() (Eviction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Eviction{}, false
	}
	return *m.last, true
}

// Restore adopts a session persisted by an earlier run or by another
// process sharing the store, then applies the expiry check.
func (m *Manager) Restore(ctx context.Context) error {
	rec, err := m.store.Load(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	m.mu.Lock()
	m.record = rec
	m.state = Authenticated
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Session restored", log.FieldState, Authenticated.String())
	m.Check(ctx)
	return nil
}

// Login exchanges credentials for a token. Nothing is persisted when the
// exchange fails, and a session held before the attempt stays in place.
func (m *Manager) Login(ctx context.Context, email, password string) (core.User, error) {
	prev, err := m.begin()
	if err != nil {
		return core.User{}, err
	}

	token, err := m.auth.Login(ctx, strings.TrimSpace(email), password)
	if err == nil && token == "" {
		err = ErrEmptyToken
	}
	if err != nil {
		m.abort(prev)
		m.logger.WarnContext(ctx, "Login failed",
			log.NewFields().WithOperation(log.OpLogin).WithError(err).WithErrorType(log.ErrorTypeAuth).ToSlice()...)
		return core.User{}, fmt.Errorf("login: %w", err)
	}
	return m.complete(ctx, token, prev)
}

// LoginWithToken accepts a token delivered by the OAuth redirect.
func (m *Manager) LoginWithToken(ctx context.Context, token string) (core.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return core.User{}, ErrEmptyToken
	}
	prev, err := m.begin()
	if err != nil {
		return core.User{}, err
	}
	return m.complete(ctx, token, prev)
}

// begin enters Authenticating and returns the state to fall back to. The
// held record is left untouched until the new one is persisted.
func (m *Manager) begin() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Authenticating {
		return 0, ErrLoginInProgress
	}
	prev := m.state
	m.state = Authenticating
	return prev, nil
}

// abort returns to prev, which matches the store since nothing was saved.
// An eviction that ran meanwhile wins.
func (m *Manager) abort(prev State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authenticating {
		return
	}
	if prev != Authenticated {
		prev = Anonymous
		m.record = Record{}
	}
	m.state = prev
}

// complete fetches the profile best-effort and persists token, user and
// login time in one write.
func (m *Manager) complete(ctx context.Context, token string, prev State) (core.User, error) {
	user, err := m.auth.ProfileForToken(ctx, token)
	if err != nil || user.IsZero() {
		m.logger.WarnContext(ctx, "Profile fetch after login failed, using cached user", log.FieldError, errString(err))
		user = m.fallbackUser(ctx)
	}

	rec := Record{Token: token, User: user, LoginTime: m.cfg.Clock()}
	if err := m.store.Save(ctx, rec); err != nil {
		m.abort(prev)
		return core.User{}, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.record = rec
	m.state = Authenticated
	m.last = nil
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Login succeeded", log.FieldOperation, log.OpLogin, "user", user.DisplayName())
	return user, nil
}

func (m *Manager) fallbackUser(ctx context.Context) core.User {
	if rec, err := m.store.Load(ctx); err == nil && !rec.User.IsZero() {
		return rec.User
	}
	m.mu.RLock()
	cached := m.record.User
	m.mu.RUnlock()
	if !cached.IsZero() {
		return cached
	}
	return core.PlaceholderUser()
}

// SetUser replaces the cached user, e.g. after a profile update.
func (m *Manager) SetUser(ctx context.Context, user core.User) error {
	m.mu.Lock()
	if m.state != Authenticated {
		m.mu.Unlock()
		return ErrNoSession
	}
	rec := m.record
	rec.User = user
	m.mu.Unlock()

	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}

	m.mu.Lock()
	if m.state == Authenticated && m.record.Token == rec.Token {
		m.record.User = user
	}
	m.mu.Unlock()
	return nil
}

// Logout clears the session.
func (m *Manager) Logout(ctx context.Context) error {
	return m.evict(ctx, ReasonLogout, "")
}

// HandleUnauthorized is invoked for any API response with status 401.
// token is the credential the rejected request carried; a rejection of a
// token that has since been replaced is ignored.
func (m *Manager) HandleUnauthorized(ctx context.Context, token string) {
	if err := m.evict(ctx, ReasonUnauthorized, token); err != nil {
		m.logger.ErrorContext(ctx, "Failed to evict session after 401", log.FieldError, err)
	}
}

// Check applies the expiry rule and reports whether a valid session
// remains. The store is the source of truth so that every process sharing
// it reaches the same decision.
func (m *Manager) Check(ctx context.Context) bool {
	rec, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSession):
		m.mu.Lock()
		if m.state == Authenticated {
			m.state = Anonymous
			m.record = Record{}
		}
		m.mu.Unlock()
		return false
	case err != nil:
		m.logger.WarnContext(ctx, "Session store unavailable, using in-memory session", log.FieldError, err)
		m.mu.RLock()
		rec = m.record
		authenticated := m.state == Authenticated
		m.mu.RUnlock()
		if !authenticated {
			return false
		}
	default:
		m.mu.Lock()
		if m.state != Authenticating {
			m.record = rec
			m.state = Authenticated
		}
		m.mu.Unlock()
	}

	if m.expired(rec) {
		if err := m.evict(ctx, ReasonExpired, rec.Token); err != nil {
			m.logger.ErrorContext(ctx, "Failed to evict expired session", log.FieldError, err)
		}
		return false
	}
	return rec.Token != ""
}

func (m *Manager) expired(rec Record) bool {
	if rec.LoginTime.IsZero() {
		return false
	}
	return m.cfg.Clock().Sub(rec.LoginTime) > m.cfg.Timeout
}

// Run sweeps for expiry every CheckInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "Session sweeper started",
		"interval", m.cfg.CheckInterval, "timeout", m.cfg.Timeout)

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// evict clears the store and notifies listeners. When token is non-empty
// the eviction only applies if it is still the current token.
func (m *Manager) evict(ctx context.Context, reason Reason, token string) error {
	m.mu.Lock()
	if token != "" && (m.state != Authenticated || m.record.Token != token) {
		m.mu.Unlock()
		return nil
	}
	hadSession := m.state == Authenticated
	if reason == ReasonExpired {
		m.state = Expired
	}
	user := m.record.User
	m.mu.Unlock()

	err := m.store.Clear(ctx)

	ev := Eviction{Reason: reason, At: m.cfg.Clock(), User: user}
	m.mu.Lock()
	m.state = Anonymous
	m.record = Record{}
	if hadSession {
		m.last = &ev
	}
	listeners := append([]func(Eviction){}, m.listeners...)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if !hadSession {
		return nil
	}

	m.logger.InfoContext(ctx, "Session evicted", log.FieldOperation, log.OpEvict, log.FieldReason, string(reason))
	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "empty profile"
	}
	return err.Error()
}
