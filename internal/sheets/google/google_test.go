package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"finet/internal/config"
	"finet/internal/core"
)

// fakeSheets records the calls the exporter makes against the Sheets REST API.
type fakeSheets struct {
	mu      sync.Mutex
	tabs    []string
	gets    int
	added   []string
	cleared []string
	written *gsheet.ValueRange
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet:
		f.gets++
		var sheets []map[string]any
		for _, t := range f.tabs {
			sheets = append(sheets, map[string]any{"properties": map[string]any{"title": t}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sheets": sheets})

	case strings.HasSuffix(r.URL.Path, ":batchUpdate"):
		var req gsheet.BatchUpdateSpreadsheetRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, rq := range req.Requests {
			if rq.AddSheet != nil {
				f.added = append(f.added, rq.AddSheet.Properties.Title)
				f.tabs = append(f.tabs, rq.AddSheet.Properties.Title)
			}
		}
		_, _ = w.Write([]byte(`{}`))

	case strings.HasSuffix(r.URL.Path, ":clear"):
		f.cleared = append(f.cleared, r.URL.Path)
		_, _ = w.Write([]byte(`{}`))

	case r.Method == http.MethodPut:
		var vr gsheet.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.written = &vr
		_, _ = w.Write([]byte(`{}`))

	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, fake *fakeSheets) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := gsheet.NewService(context.Background(),
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithoutAuthentication(),
		goption.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return New(svc, "sheet-id", "Finet", nil)
}

func testLedger() (core.Wallet, []core.Entry) {
	w := core.Wallet{ID: "w1", Name: "Main", Balance: decimal.NewFromInt(90000), Currency: core.Currency}
	entries := []core.Entry{
		{ID: "e1", WalletID: "w1", Name: "Salary", Price: decimal.NewFromInt(100000), Type: core.Income, Date: core.NewDate(2025, 1, 1)},
		{ID: "e2", WalletID: "w1", Name: "Lunch", Price: decimal.NewFromInt(10000), Type: core.Expense, Category: core.CategoryFood, Date: core.NewDate(2025, 1, 2)},
		{ID: "e3", WalletID: "w2", Name: "Elsewhere", Price: decimal.NewFromInt(5), Type: core.Expense, Date: core.NewDate(2025, 1, 3)},
	}
	return w, entries
}

func TestExportAddsTabAndWritesLedger(t *testing.T) {
	fake := &fakeSheets{tabs: []string{"Sheet1"}}
	c := newTestClient(t, fake)
	w, entries := testLedger()

	ref, err := c.Export(context.Background(), w, entries)
	require.NoError(t, err)
	assert.Equal(t, "'Finet - Main'!A1:G5", ref)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"Finet - Main"}, fake.added)
	assert.Len(t, fake.cleared, 1)
	require.NotNil(t, fake.written)
	require.Len(t, fake.written.Values, 5)
	assert.Equal(t, "Lunch", fake.written.Values[1][1])
	assert.Equal(t, "Food & Drink", fake.written.Values[1][3])
	assert.Equal(t, "Salary", fake.written.Values[2][1])
	assert.Equal(t, "Total", fake.written.Values[3][1])
	assert.EqualValues(t, 90000, fake.written.Values[3][5])
}

func TestExportReusesKnownTab(t *testing.T) {
	fake := &fakeSheets{tabs: []string{"Finet - Main"}}
	c := newTestClient(t, fake)
	w, entries := testLedger()

	_, err := c.Export(context.Background(), w, entries)
	require.NoError(t, err)
	_, err = c.Export(context.Background(), w, entries)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.added)
	assert.Equal(t, 1, fake.gets, "tab list is cached")
	assert.Len(t, fake.cleared, 2)
}

func TestTabCacheExpiration(t *testing.T) {
	fake := &fakeSheets{tabs: []string{"Finet - Main"}}
	c := newTestClient(t, fake)
	c.tabCacheTTL = 10 * time.Millisecond
	w, entries := testLedger()

	_, err := c.Export(context.Background(), w, entries)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Export(context.Background(), w, entries)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.gets)
}

func TestExportValidatesWallet(t *testing.T) {
	c := &Client{spreadsheetID: "test"}
	_, err := c.Export(context.Background(), core.Wallet{ID: "w1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	_, err = c.Export(context.Background(), core.Wallet{ID: "w1", Name: "Main"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
}

func TestNewFromConfig(t *testing.T) {
	_, err := NewFromConfig(context.Background(), &config.Config{}, nil)
	require.EqualError(t, err, "missing GOOGLE_SPREADSHEET_ID")

	_, err = NewFromConfig(context.Background(), &config.Config{GoogleSpreadsheetID: "id"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing credentials")

	_, err = NewFromConfig(context.Background(), &config.Config{
		GoogleSpreadsheetID:   "id",
		GoogleOAuthClientJSON: "invalid-json",
		GoogleOAuthTokenJSON:  `{"access_token":"test"}`,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oauth config")
}

func TestTabName(t *testing.T) {
	tests := []struct {
		name string
		base string
		w    core.Wallet
		want string
	}{
		{"plain", "Finet", core.Wallet{ID: "w1", Name: "Main"}, "Finet - Main"},
		{"no base", "", core.Wallet{ID: "w1", Name: "Main"}, "Main"},
		{"forbidden chars", "Finet", core.Wallet{ID: "w1", Name: "Cash/Card [2025]"}, "Finet - Cash Card 2025"},
		{"falls back to id", "Finet", core.Wallet{ID: "w1", Name: "???"}, "Finet - w1"},
		{"truncated", "", core.Wallet{ID: "w1", Name: strings.Repeat("x", 150)}, strings.Repeat("x", 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tabName(tt.base, tt.w); got != tt.want {
				t.Errorf("tabName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRanges(t *testing.T) {
	assert.Equal(t, "'It''s'", quoteTab("It's"))
	assert.Equal(t, "A", column(1))
	assert.Equal(t, "G", column(7))
	assert.Equal(t, "Z", column(26))
	assert.Equal(t, "AA", column(27))
	assert.Equal(t, "'T'!A1:G4", rowRange("T", 1, 4))
}
