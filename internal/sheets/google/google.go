package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	goauth "golang.org/x/oauth2/google"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"finet/internal/config"
	"finet/internal/core"
	"finet/internal/log"
	ports "finet/internal/sheets"
)

const defaultTabCacheTTL = 5 * time.Minute

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	// Base name of the exported tabs; each wallet gets "<base> - <wallet>".
	sheetBase string
	logger    *log.Logger

	// Known tab titles, refreshed at most every tabCacheTTL.
	mu            sync.Mutex
	tabs          map[string]bool
	tabsExpiresAt time.Time
	tabCacheTTL   time.Duration
}

// Ensure interface conformance
var _ ports.LedgerExporter = (*Client)(nil)

// Credentials selects how the client authenticates. A service account
// wins over an OAuth client and token.
type Credentials struct {
	ServiceAccountJSON string
	ServiceAccountFile string
	OAuthClientJSON    string
	OAuthClientFile    string
	OAuthTokenJSON     string
	OAuthTokenFile     string
}

// NewFromConfig creates a Sheets client from the application config.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Client, error) {
	if cfg == nil || strings.TrimSpace(cfg.GoogleSpreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent(log.ComponentSheets)

	svc, err := newSheetsService(ctx, Credentials{
		ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
		ServiceAccountFile: cfg.GoogleServiceAccountFile,
		OAuthClientJSON:    cfg.GoogleOAuthClientJSON,
		OAuthClientFile:    cfg.GoogleOAuthClientFile,
		OAuthTokenJSON:     cfg.GoogleOAuthTokenJSON,
		OAuthTokenFile:     cfg.GoogleOAuthTokenFile,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return New(svc, cfg.GoogleSpreadsheetID, cfg.GoogleSheetName, logger), nil
}

// New wraps an existing Sheets service.
func New(svc *gsheet.Service, spreadsheetID, sheetBase string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	if strings.TrimSpace(sheetBase) == "" {
		sheetBase = "Finet"
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetBase:     strings.TrimSpace(sheetBase),
		logger:        logger,
		tabCacheTTL:   defaultTabCacheTTL,
	}
}

// newSheetsService initializes a Sheets Service from service account or
// OAuth client credentials.
func newSheetsService(ctx context.Context, creds Credentials, logger *log.Logger) (*gsheet.Service, error) {
	saJSON, err := inlineOrFile(creds.ServiceAccountJSON, creds.ServiceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	if len(saJSON) > 0 {
		logger.InfoContext(ctx, "Creating Google Sheets service with service account",
			"credentials_size", len(saJSON),
			"scope", gsheet.SpreadsheetsScope)
		svc, err := gsheet.NewService(ctx,
			goption.WithCredentialsJSON(saJSON),
			goption.WithScopes(gsheet.SpreadsheetsScope))
		if err != nil {
			return nil, fmt.Errorf("create sheets service: %w", err)
		}
		return svc, nil
	}

	clientJSON, err := inlineOrFile(creds.OAuthClientJSON, creds.OAuthClientFile)
	if err != nil {
		return nil, fmt.Errorf("read oauth client file: %w", err)
	}
	tokenJSON, err := inlineOrFile(creds.OAuthTokenJSON, creds.OAuthTokenFile)
	if err != nil {
		return nil, fmt.Errorf("read oauth token file: %w", err)
	}
	if len(clientJSON) == 0 || len(tokenJSON) == 0 {
		return nil, errors.New("missing credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or an OAuth client and token)")
	}

	oc, err := goauth.ConfigFromJSON(clientJSON, gsheet.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("oauth config: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(tokenJSON, &tok); err != nil {
		return nil, fmt.Errorf("oauth token: %w", err)
	}

	logger.InfoContext(ctx, "Creating Google Sheets service with OAuth token",
		"scope", gsheet.SpreadsheetsScope,
		"has_refresh_token", tok.RefreshToken != "")

	// The token source refreshes through the pooled client as well.
	base := context.WithValue(ctx, oauth2.HTTPClient, newHTTPClientWithPooling())
	httpClient := oauth2.NewClient(base, oc.TokenSource(base, &tok))
	svc, err := gsheet.NewService(ctx, goption.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return svc, nil
}

func inlineOrFile(inline, path string) ([]byte, error) {
	if s := strings.TrimSpace(inline); s != "" {
		return []byte(s), nil
	}
	if p := strings.TrimSpace(path); p != "" {
		return os.ReadFile(p)
	}
	return nil, nil
}

// newHTTPClientWithPooling creates an HTTP client for the Sheets API
// with connection pooling and explicit timeouts.
func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext: dialer.DialContext,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// Export replaces the wallet's tab with its current ledger and returns the
// A1 range that was written.
func (c *Client) Export(ctx context.Context, w core.Wallet, entries []core.Entry) (string, error) {
	if err := w.Validate(); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	tab := tabName(c.sheetBase, w)
	if err := c.ensureTab(ctx, tab); err != nil {
		return "", err
	}

	clearRange := fmt.Sprintf("%s!A:%s", quoteTab(tab), column(ports.Columns))
	_, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to clear %s: %w", clearRange, err)
	}

	rows := ports.LedgerRows(w, entries)
	ref := rowRange(tab, 1, len(rows))
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, ref, &gsheet.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", ref, err)
	}

	c.logger.InfoContext(ctx, "Exported wallet ledger",
		log.NewFields().
			WithOperation(log.OpExport).
			With(log.FieldWalletID, w.ID).
			With("range", ref).
			With("rows", len(rows)-3).
			ToSlice()...)
	return ref, nil
}

// ensureTab adds the tab when the spreadsheet does not have it yet.
func (c *Client) ensureTab(ctx context.Context, tab string) error {
	c.mu.Lock()
	fresh := c.tabs != nil && time.Now().Before(c.tabsExpiresAt)
	known := c.tabs[tab]
	c.mu.Unlock()
	if fresh && known {
		return nil
	}

	if !fresh {
		ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to read spreadsheet %s: %w", c.spreadsheetID, err)
		}
		tabs := make(map[string]bool, len(ss.Sheets))
		for _, s := range ss.Sheets {
			if s.Properties != nil {
				tabs[s.Properties.Title] = true
			}
		}
		c.mu.Lock()
		c.tabs = tabs
		c.tabsExpiresAt = time.Now().Add(c.tabCacheTTL)
		known = tabs[tab]
		c.mu.Unlock()
		if known {
			return nil
		}
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			AddSheet: &gsheet.AddSheetRequest{
				Properties: &gsheet.SheetProperties{Title: tab},
			},
		}},
	}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to add sheet %s: %w", tab, err)
	}
	c.logger.InfoContext(ctx, "Added sheet", "sheet", tab)

	c.mu.Lock()
	if c.tabs == nil {
		c.tabs = map[string]bool{}
	}
	c.tabs[tab] = true
	c.mu.Unlock()
	return nil
}
