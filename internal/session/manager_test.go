package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finet/internal/core"
)

type fakeAuth struct {
	token      string
	loginErr   error
	profile    core.User
	profileErr error
	calls      int
}

func (f *fakeAuth) Login(ctx context.Context, email, password string) (string, error) {
	f.calls++
	return f.token, f.loginErr
}

func (f *fakeAuth) ProfileForToken(ctx context.Context, token string) (core.User, error) {
	return f.profile, f.profileErr
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, auth *fakeAuth) (*Manager, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	m := NewManager(store, auth, Config{Timeout: 60 * time.Second, CheckInterval: 5 * time.Second, Clock: clock.Now})
	return m, store, clock
}

func TestLoginPersistsAllKeys(t *testing.T) {
	auth := &fakeAuth{token: "tok-1", profile: core.User{Username: "budi", Email: "budi@example.com"}}
	m, store, clock := newTestManager(t, auth)

	user, err := m.Login(context.Background(), " budi@example.com ", "secret")
	require.NoError(t, err)
	assert.Equal(t, "budi", user.Username)
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, "tok-1", m.Token())

	raw := store.Snapshot()
	assert.Equal(t, "tok-1", raw[KeyToken])
	assert.Contains(t, raw[KeyUser], `"username":"budi"`)
	assert.NotEmpty(t, raw[KeyLoginTime])
	assert.True(t, m.LoginTime().Equal(clock.Now()))
}

func TestLoginFailurePersistsNothing(t *testing.T) {
	auth := &fakeAuth{loginErr: errors.New("invalid credentials")}
	m, store, _ := newTestManager(t, auth)

	_, err := m.Login(context.Background(), "budi@example.com", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.loginErr)
	assert.Equal(t, Anonymous, m.State())
	assert.Empty(t, m.Token())
	assert.Empty(t, store.Snapshot())
}

func TestFailedReloginKeepsSession(t *testing.T) {
	auth := &fakeAuth{token: "tok-1", profile: core.User{Username: "budi"}}
	m, store, _ := newTestManager(t, auth)
	ctx := context.Background()

	_, err := m.Login(ctx, "budi@example.com", "secret")
	require.NoError(t, err)

	auth.token = ""
	auth.loginErr = errors.New("invalid credentials")
	_, err = m.Login(ctx, "budi@example.com", "wrong")
	require.Error(t, err)

	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, "tok-1", m.Token())
	assert.Equal(t, "budi", m.User().Username)
	assert.Equal(t, "tok-1", store.Snapshot()[KeyToken])

	assert.True(t, m.Check(ctx))
	assert.Equal(t, "tok-1", m.Token())
}

func TestFailedLoginAfterLogoutStaysAnonymous(t *testing.T) {
	auth := &fakeAuth{token: "tok-1", profile: core.User{Username: "budi"}}
	m, store, _ := newTestManager(t, auth)
	ctx := context.Background()

	_, err := m.Login(ctx, "budi@example.com", "secret")
	require.NoError(t, err)
	require.NoError(t, m.Logout(ctx))

	auth.loginErr = errors.New("invalid credentials")
	_, err = m.Login(ctx, "budi@example.com", "wrong")
	require.Error(t, err)

	assert.Equal(t, Anonymous, m.State())
	assert.Empty(t, m.Token())
	assert.True(t, m.User().IsZero())
	assert.Empty(t, store.Snapshot())
	assert.False(t, m.Check(ctx))
}

func TestLoginEmptyTokenFails(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeAuth{})

	_, err := m.Login(context.Background(), "budi@example.com", "secret")
	assert.ErrorIs(t, err, ErrEmptyToken)
	assert.Equal(t, Anonymous, m.State())
	assert.Empty(t, store.Snapshot())
}

func TestProfileFailureFallsBackToPlaceholder(t *testing.T) {
	auth := &fakeAuth{token: "tok-1", profileErr: errors.New("boom")}
	m, _, _ := newTestManager(t, auth)

	user, err := m.Login(context.Background(), "a@b.c", "secret")
	require.NoError(t, err)
	assert.Equal(t, core.PlaceholderUser(), user)
	assert.Equal(t, Authenticated, m.State(), "profile failure is not fatal")
}

func TestProfileFailureFallsBackToCachedUser(t *testing.T) {
	auth := &fakeAuth{token: "tok-2", profileErr: errors.New("boom")}
	m, store, _ := newTestManager(t, auth)
	require.NoError(t, store.Save(context.Background(), Record{Token: "old", User: core.User{Username: "cached"}}))

	user, err := m.LoginWithToken(context.Background(), "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "cached", user.Username)
	assert.Equal(t, "tok-2", m.Token())
}

func TestLoginWithEmptyToken(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAuth{})
	_, err := m.LoginWithToken(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyToken)
	assert.Equal(t, Anonymous, m.State())
}

func TestExpiryThreshold(t *testing.T) {
	auth := &fakeAuth{token: "tok-1", profile: core.User{Username: "budi"}}
	m, store, clock := newTestManager(t, auth)

	var evictions []Eviction
	m.OnEvict(func(ev Eviction) { evictions = append(evictions, ev) })

	_, err := m.Login(context.Background(), "budi@example.com", "secret")
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	assert.True(t, m.Check(context.Background()), "T+59s must remain valid")
	assert.Empty(t, evictions)

	clock.Advance(2 * time.Second)
	assert.False(t, m.Check(context.Background()), "T+61s must be evicted")
	require.Len(t, evictions, 1)
	assert.Equal(t, ReasonExpired, evictions[0].Reason)
	assert.Equal(t, "budi", evictions[0].User.Username)
	assert.Equal(t, Anonymous, m.State())
	assert.Empty(t, m.Token())
	assert.Empty(t, store.Snapshot())

	ev, ok := m.LastEviction()
	require.True(t, ok)
	assert.Equal(t, "Session expired. Please log in again.", ev.Message())
}

func TestExpiryDoesNotSlideOnActivity(t *testing.T) {
	m, _, clock := newTestManager(t, &fakeAuth{token: "tok-1", profile: core.User{Username: "u"}})
	_, err := m.Login(context.Background(), "u@x.y", "p")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		clock.Advance(10 * time.Second)
		m.Token()
		m.User()
	}
	clock.Advance(time.Second)
	assert.False(t, m.Check(context.Background()))
}

func TestUnauthorizedEvictsEverything(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeAuth{token: "tok-1", profile: core.User{Username: "u"}})
	_, err := m.Login(context.Background(), "u@x.y", "p")
	require.NoError(t, err)

	var got []Reason
	m.OnEvict(func(ev Eviction) { got = append(got, ev.Reason) })

	m.HandleUnauthorized(context.Background(), "tok-1")
	assert.Equal(t, []Reason{ReasonUnauthorized}, got)
	assert.Equal(t, Anonymous, m.State())
	assert.Empty(t, store.Snapshot())
	assert.True(t, m.User().IsZero())
}

func TestUnauthorizedForStaleTokenIgnored(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAuth{token: "tok-new", profile: core.User{Username: "u"}})
	_, err := m.Login(context.Background(), "u@x.y", "p")
	require.NoError(t, err)

	m.HandleUnauthorized(context.Background(), "tok-old")
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, "tok-new", m.Token())
}

func TestLogout(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeAuth{token: "tok-1", profile: core.User{Username: "u"}})
	_, err := m.Login(context.Background(), "u@x.y", "p")
	require.NoError(t, err)

	var reasons []Reason
	m.OnEvict(func(ev Eviction) { reasons = append(reasons, ev.Reason) })

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, []Reason{ReasonLogout}, reasons)
	assert.Empty(t, store.Snapshot())

	require.NoError(t, m.Logout(context.Background()), "logout twice is harmless")
	assert.Len(t, reasons, 1)
}

func TestRestoreAndCheckAgreeOnStore(t *testing.T) {
	auth := &fakeAuth{}
	m, store, clock := newTestManager(t, auth)
	require.NoError(t, store.Save(context.Background(), Record{
		Token:     "persisted",
		User:      core.User{Username: "u"},
		LoginTime: clock.Now().Add(-30 * time.Second),
	}))

	require.NoError(t, m.Restore(context.Background()))
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, "persisted", m.Token())

	// Another process clears the shared store.
	require.NoError(t, store.Clear(context.Background()))
	assert.False(t, m.Check(context.Background()))
	assert.Equal(t, Anonymous, m.State())
}

func TestRestoreExpiredSession(t *testing.T) {
	m, store, clock := newTestManager(t, &fakeAuth{})
	require.NoError(t, store.Save(context.Background(), Record{
		Token:     "old",
		LoginTime: clock.Now().Add(-2 * time.Minute),
	}))

	require.NoError(t, m.Restore(context.Background()))
	assert.Equal(t, Anonymous, m.State())
	assert.Empty(t, store.Snapshot())
}

func TestRecordWithoutLoginTimeIsNotSwept(t *testing.T) {
	m, store, clock := newTestManager(t, &fakeAuth{})
	require.NoError(t, store.Save(context.Background(), Record{Token: "legacy"}))
	require.NoError(t, m.Restore(context.Background()))

	clock.Advance(time.Hour)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.ExpiresAt().IsZero())
}

func TestSetUser(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeAuth{token: "tok-1", profile: core.User{Username: "u"}})
	assert.ErrorIs(t, m.SetUser(context.Background(), core.User{Username: "x"}), ErrNoSession)

	_, err := m.Login(context.Background(), "u@x.y", "p")
	require.NoError(t, err)
	require.NoError(t, m.SetUser(context.Background(), core.User{Username: "renamed"}))

	assert.Equal(t, "renamed", m.User().Username)
	rec, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "renamed", rec.User.Username)
	assert.Equal(t, "tok-1", rec.Token)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAuth{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestEncodeDecode(t *testing.T) {
	at := time.UnixMilli(1736000000123)
	token, user, loginTime, err := Encode(Record{Token: "t", User: core.User{Email: "a@b.c"}, LoginTime: at})
	require.NoError(t, err)
	assert.Equal(t, "1736000000123", loginTime)

	rec, err := Decode(token, user, loginTime)
	require.NoError(t, err)
	assert.True(t, rec.LoginTime.Equal(at))
	assert.Equal(t, "a@b.c", rec.User.Email)

	_, err = Decode("", user, loginTime)
	assert.ErrorIs(t, err, ErrNoSession)

	rec, err = Decode("t", "{broken", "nan")
	require.NoError(t, err)
	assert.True(t, rec.User.IsZero())
	assert.True(t, rec.LoginTime.IsZero())
}

func TestKeys(t *testing.T) {
	tok, usr, at := Keys("")
	assert.Equal(t, []string{KeyToken, KeyUser, KeyLoginTime}, []string{tok, usr, at})
	tok, _, _ = Keys("work")
	assert.Equal(t, "work:finet_auth_token", tok)
}
