package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/ledger"
	"finet/internal/session"
	"finet/internal/sheets/memory"
	"finet/internal/storage"
	"finet/internal/worker"
)

// fakeFinet serves one wallet and its entries behind bearer "tok".
type fakeFinet struct {
	mu      sync.Mutex
	balance float64
	entries map[string]map[string]any
	seq     int
}

func (f *fakeFinet) handler() http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				reply(w, http.StatusUnauthorized, map[string]any{})
				return
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			h(w, r)
		}
	}
	wallet := func() map[string]any {
		return map[string]any{"_id": "w1", "name": "Cash", "balance": f.balance}
	}

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			reply(w, http.StatusUnauthorized, map[string]any{})
			return
		}
		reply(w, http.StatusOK, map[string]any{"token": "tok"})
	})
	mux.HandleFunc("GET /auth/profile", authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{"_id": "u1", "username": "ana", "email": "ana@example.com"}})
	}))
	mux.HandleFunc("GET /wallet", authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, []any{wallet()})
	}))
	mux.HandleFunc("GET /wallet/w1", authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"data": wallet()})
	}))
	mux.HandleFunc("PATCH /wallet/w1", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.balance = body["balance"].(float64)
		reply(w, http.StatusOK, map[string]any{"data": wallet()})
	}))
	mux.HandleFunc("GET /expense", authed(func(w http.ResponseWriter, r *http.Request) {
		list := []any{}
		for _, e := range f.entries {
			list = append(list, e)
		}
		reply(w, http.StatusOK, map[string]any{"expenses": list})
	}))
	mux.HandleFunc("POST /expense", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.seq++
		body["_id"] = "e" + string(rune('0'+f.seq))
		f.entries[body["_id"].(string)] = body
		reply(w, http.StatusCreated, map[string]any{"data": body})
	}))
	mux.HandleFunc("GET /expense/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		e, ok := f.entries[r.PathValue("id")]
		if !ok {
			reply(w, http.StatusNotFound, map[string]any{"message": "Expense not found"})
			return
		}
		reply(w, http.StatusOK, map[string]any{"data": e})
	}))
	mux.HandleFunc("DELETE /expense/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		delete(f.entries, r.PathValue("id"))
		reply(w, http.StatusOK, map[string]any{"message": "deleted"})
	}))
	return mux
}

type harness struct {
	ctl    *ctl
	fake   *fakeFinet
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

func newHarness(t *testing.T, stdin string) *harness {
	t.Helper()
	fake := &fakeFinet{balance: 100000, entries: map[string]map[string]any{}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client := api.New(api.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	sess := session.NewManager(session.NewMemoryStore(), client, session.Config{Timeout: time.Hour})
	client.SetTokenSource(sess.Token)
	client.OnUnauthorized(sess.HandleUnauthorized)

	h := &harness{fake: fake, out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	h.ctl = &ctl{
		api:      client,
		sess:     sess,
		ledger:   ledger.NewManager(client, ledger.Config{}),
		exporter: memory.New(),
		stdin:    strings.NewReader(stdin),
		stdout:   h.out,
		stderr:   h.errOut,
		now:      func() time.Time { return time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC) },
	}
	return h
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()
	h.out.Reset()
	return h.ctl.dispatch(context.Background(), args[0], args[1:])
}

func TestLoginPromptsForMissingCredentials(t *testing.T) {
	h := newHarness(t, "ana@example.com\nsecret\n")

	require.NoError(t, h.run(t, "login"))
	assert.Contains(t, h.out.String(), "Email: ")
	assert.Contains(t, h.out.String(), "Logged in as ana")

	require.NoError(t, h.run(t, "status"))
	assert.Contains(t, h.out.String(), "Logged in as ana (ana@example.com)")
	assert.Contains(t, h.out.String(), "Expires:")
}

func TestLoginFailure(t *testing.T) {
	h := newHarness(t, "")
	err := h.run(t, "login", "-email", "ana@example.com", "-password", "nope")
	require.Error(t, err)
	assert.Equal(t, "Invalid email or password.", err.Error())
}

func TestCommandsNeedSession(t *testing.T) {
	h := newHarness(t, "")
	assert.ErrorIs(t, h.run(t, "wallets"), ErrNotLoggedIn)

	require.NoError(t, h.run(t, "status"))
	assert.Equal(t, "Not logged in.\n", h.out.String())
}

func TestLoginGoogle(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run(t, "login-google"))
	assert.Contains(t, h.out.String(), "/auth/google")

	require.NoError(t, h.run(t, "login-google", "-token", "tok"))
	assert.Contains(t, h.out.String(), "Logged in as ana")
}

func TestEntryLifecycle(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run(t, "login", "-email", "ana@example.com", "-password", "secret"))

	require.NoError(t, h.run(t, "add", "-wallet", "w1", "-name", "Lunch", "-price", "25000", "-category", "Food"))
	assert.Contains(t, h.out.String(), "Added entry e1 (Lunch)")
	assert.Contains(t, h.out.String(), "Balance: Rp 75.000")
	assert.Equal(t, float64(75000), h.fake.balance)

	require.NoError(t, h.run(t, "entries", "-wallet", "w1"))
	assert.Contains(t, h.out.String(), "2025-05-12")
	assert.Contains(t, h.out.String(), "Lunch")

	require.NoError(t, h.run(t, "wallets"))
	assert.Contains(t, h.out.String(), "Rp 75.000")

	require.NoError(t, h.run(t, "delete", "-wallet", "w1", "-id", "e1"))
	assert.Equal(t, float64(100000), h.fake.balance)
}

func TestAddRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run(t, "login", "-email", "ana@example.com", "-password", "secret"))

	assert.Error(t, h.run(t, "add", "-wallet", "w1", "-name", "Lunch", "-price", "-5"))
	assert.Error(t, h.run(t, "add", "-wallet", "w1", "-price", "5"))
	assert.Error(t, h.run(t, "add", "-wallet", "w1", "-name", "x", "-price", "5", "-type", "transfer"))
	assert.Empty(t, h.fake.entries)
}

func TestRecompute(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run(t, "login", "-email", "ana@example.com", "-password", "secret"))
	h.fake.entries["e9"] = map[string]any{
		"_id": "e9", "wallet_id": "w1", "name": "Salary", "price": 40000.0,
		"expense_type": "income", "category_id": "Other", "date": "2025-05-01T00:00:00.000Z",
	}

	require.NoError(t, h.run(t, "recompute", "-wallet", "w1"))
	assert.Contains(t, h.out.String(), "computed Rp 40.000 from 1 entries")
	assert.Contains(t, h.out.String(), "-apply")
	assert.Equal(t, float64(100000), h.fake.balance)

	require.NoError(t, h.run(t, "recompute", "-wallet", "w1", "-apply"))
	assert.Contains(t, h.out.String(), "Balance updated.")
	assert.Equal(t, float64(40000), h.fake.balance)

	require.NoError(t, h.run(t, "recompute", "-wallet", "w1"))
	assert.Contains(t, h.out.String(), "In sync.")
}

func TestExport(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run(t, "login", "-email", "ana@example.com", "-password", "secret"))

	require.NoError(t, h.run(t, "export", "-wallet", "w1"))
	assert.Equal(t, "Exported Cash to mem:w1:3\n", h.out.String())
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run(t, "login", "-email", "ana@example.com", "-password", "secret"))
	assert.EqualError(t, h.run(t, "frobnicate"), `unknown command "frobnicate"`)
}

func TestOutbox(t *testing.T) {
	h := newHarness(t, "")
	assert.ErrorContains(t, h.run(t, "outbox"), "BALANCE_RETRY_BACKEND=sqlite")

	ctx := context.Background()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "finet.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	adj := core.NewAdjustment("w1", decimal.NewFromInt(100000), decimal.NewFromInt(-25000), core.OpCreate, "e1")
	require.NoError(t, repo.Enqueue(ctx, adj))
	require.NoError(t, repo.MarkFailed(ctx, adj.ID, assert.AnError))
	h.ctl.outbox = worker.NewOutboxProcessor(repo, h.ctl.ledger, worker.OutboxConfig{})

	require.NoError(t, h.run(t, "outbox"))
	assert.Contains(t, h.out.String(), "failed      1")
	assert.Contains(t, h.out.String(), "pending     0")

	require.NoError(t, h.run(t, "outbox", "-requeue"))
	assert.Contains(t, h.out.String(), "Requeued 1 adjustments.")
	assert.Contains(t, h.out.String(), "pending     1")
}
