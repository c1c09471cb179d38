package http

import (
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// finetFake is a stateful stand-in for the Finet API: wallets and entries
// live in memory and every authenticated route checks the bearer token.
type finetFake struct {
	mu       sync.Mutex
	token    string
	password string
	user     map[string]any
	wallets  map[string]map[string]any
	entries  map[string]map[string]any
	seq      int
	hits     map[string]int
	lastBody map[string]map[string]any

	failBalance    bool
	registerStatus int
	registerBody   string
	verifyStatus   int
	verifyBody     string
	otpStatus      int
}

func newFinetFake(t *testing.T) (*finetFake, *httptest.Server) {
	t.Helper()
	f := &finetFake{
		token:    "tok-1",
		password: "secret",
		user:     map[string]any{"_id": "u1", "username": "ana", "email": "ana@example.com"},
		wallets:  make(map[string]map[string]any),
		entries:  make(map[string]map[string]any),
		hits:     make(map[string]int),
		lastBody: make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", f.login)
	mux.HandleFunc("GET /auth/profile", f.authed(f.profile))
	mux.HandleFunc("POST /auth/register", f.register)
	mux.HandleFunc("POST /otp-verification/send", f.sendOTP)
	mux.HandleFunc("POST /otp-verification/verify-otp-email", f.verifyOTP)
	mux.HandleFunc("PATCH /user", f.authed(f.updateUser))
	mux.HandleFunc("GET /wallet", f.authed(f.listWallets))
	mux.HandleFunc("POST /wallet", f.authed(f.createWallet))
	mux.HandleFunc("GET /wallet/{id}", f.authed(f.getWallet))
	mux.HandleFunc("PATCH /wallet/{id}", f.authed(f.patchWallet))
	mux.HandleFunc("DELETE /wallet/{id}", f.authed(f.deleteWallet))
	mux.HandleFunc("GET /expense", f.authed(f.listEntries))
	mux.HandleFunc("POST /expense", f.authed(f.createEntry))
	mux.HandleFunc("GET /expense/{id}", f.authed(f.getEntry))
	mux.HandleFunc("PATCH /expense/{id}", f.authed(f.patchEntry))
	mux.HandleFunc("DELETE /expense/{id}", f.authed(f.deleteEntry))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		key := r.Method + " " + r.URL.Path
		f.mu.Lock()
		f.hits[key]++
		f.lastBody[key] = m
		f.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeMap(r *http.Request) map[string]any {
	var m map[string]any
	_ = json.NewDecoder(r.Body).Decode(&m)
	return m
}

func (f *finetFake) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		tok := f.token
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+tok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthorized"})
			return
		}
		h(w, r)
	}
}

func (f *finetFake) revoke() {
	f.mu.Lock()
	f.token = "rotated"
	f.mu.Unlock()
}

func (f *finetFake) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[method+" "+path]
}

func (f *finetFake) body(method, path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody[method+" "+path]
}

func (f *finetFake) nextID(prefix string) string {
	f.seq++
	return prefix + strconv.Itoa(f.seq)
}

func (f *finetFake) seedWallet(id, name string, balance float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets[id] = map[string]any{"_id": id, "name": name, "balance": balance}
}

func (f *finetFake) seedEntry(id, walletID, name string, price float64, typ, category, date string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = map[string]any{
		"_id": id, "wallet_id": walletID, "name": name, "price": price,
		"expense_type": typ, "category_id": category, "date": date + "T00:00:00.000Z",
	}
}

func (f *finetFake) balance(id string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := f.wallets[id]["balance"].(float64)
	return b
}

func (f *finetFake) login(w http.ResponseWriter, r *http.Request) {
	m := decodeMap(r)
	f.mu.Lock()
	ok := m["password"] == f.password
	tok := f.token
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": tok})
}

func (f *finetFake) profile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": f.user})
}

func (f *finetFake) register(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status, body := f.registerStatus, f.registerBody
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "ok"})
}

func (f *finetFake) sendOTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status := f.otpStatus
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "sent"})
}

func (f *finetFake) verifyOTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status, body := f.verifyStatus, f.verifyBody
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "verified"})
}

func (f *finetFake) updateUser(w http.ResponseWriter, r *http.Request) {
	m := decodeMap(r)
	f.mu.Lock()
	for _, k := range []string{"username", "email", "dob", "profile_image", "phone_number"} {
		if v, ok := m[k]; ok {
			f.user[k] = v
		}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"message": "updated"})
}

func (f *finetFake) listWallets(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []map[string]any{}
	for _, id := range sortedKeys(f.wallets) {
		list = append(list, f.wallets[id])
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

func (f *finetFake) createWallet(w http.ResponseWriter, r *http.Request) {
	m := decodeMap(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("w")
	m["_id"] = id
	f.wallets[id] = m
	writeJSON(w, http.StatusCreated, map[string]any{"data": m})
}

func (f *finetFake) getWallet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wl, ok := f.wallets[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Wallet not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": wl})
}

func (f *finetFake) patchWallet(w http.ResponseWriter, r *http.Request) {
	m := decodeMap(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	wl, ok := f.wallets[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Wallet not found"})
		return
	}
	if _, named := m["name"]; !named && f.failBalance {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "database unavailable"})
		return
	}
	for k, v := range m {
		wl[k] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": wl})
}

func (f *finetFake) deleteWallet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.wallets, r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"message": "deleted"})
}

func (f *finetFake) listEntries(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []map[string]any{}
	for _, id := range sortedKeys(f.entries) {
		list = append(list, f.entries[id])
	}
	writeJSON(w, http.StatusOK, map[string]any{"expense": list})
}

func (f *finetFake) createEntry(w http.ResponseWriter, r *http.Request) {
	m := decodeMap(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("e")
	m["_id"] = id
	f.entries[id] = m
	writeJSON(w, http.StatusCreated, map[string]any{"data": m})
}

func (f *finetFake) getEntry(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Expense not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": e})
}

func (f *finetFake) patchEntry(w http.ResponseWriter, r *http.Request) {
	m := decodeMap(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Expense not found"})
		return
	}
	for k, v := range m {
		e[k] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": e})
}

func (f *finetFake) deleteEntry(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"message": "deleted"})
}

func sortedKeys(m map[string]map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
