//go:build integration

package google

import (
	"context"
	"testing"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"finet/internal/config"
	"finet/internal/core"
)

// Integration tests require real Google Sheets credentials
// Run with: go test -tags=integration ./internal/sheets/google

func TestIntegration_ExportLedger(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_ = godotenv.Load("../../../.env")

	cfg := config.Load()
	if !cfg.SheetsEnabled() {
		t.Skip("GOOGLE_SPREADSHEET_ID not set, skipping integration test")
	}

	ctx := context.Background()
	client, err := NewFromConfig(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	w := core.Wallet{ID: "integration", Name: "Integration Test", Balance: decimal.NewFromInt(7500), Currency: core.Currency}
	entries := []core.Entry{
		{ID: "i1", WalletID: w.ID, Name: "Top up", Price: decimal.NewFromInt(10000), Type: core.Income, Date: core.NewDate(2025, 3, 1)},
		{ID: "i2", WalletID: w.ID, Name: "Coffee", Price: decimal.NewFromInt(2500), Type: core.Expense, Category: core.CategoryFood, Date: core.NewDate(2025, 3, 2)},
	}

	ref, err := client.Export(ctx, w, entries)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	t.Logf("Exported to %s", ref)
}
