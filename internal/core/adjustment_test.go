package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewAdjustment(t *testing.T) {
	adj := NewAdjustment("w1", decimal.NewFromInt(100000), decimal.NewFromInt(-25000), OpCreate, "e1")
	if adj.ID == "" {
		t.Fatal("expected an id")
	}
	if !adj.Target.Equal(decimal.NewFromInt(75000)) {
		t.Fatalf("target = %s, want 75000", adj.Target)
	}
	if err := adj.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestAdjustmentValidate(t *testing.T) {
	good := NewAdjustment("w1", decimal.NewFromInt(10), decimal.NewFromInt(5), OpEdit, "")

	noWallet := good
	noWallet.WalletID = ""
	badTarget := good
	badTarget.Target = decimal.NewFromInt(99)
	noID := good
	noID.ID = ""

	for name, adj := range map[string]Adjustment{"wallet": noWallet, "target": badTarget, "id": noID} {
		if err := adj.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestAdjustmentJSON(t *testing.T) {
	adj := NewAdjustment("w1", decimal.RequireFromString("1500.50"), decimal.NewFromInt(-500), OpDelete, "e9")
	b, err := adj.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	got, err := AdjustmentFromJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Target.Equal(adj.Target) || got.Operation != OpDelete || got.EntryID != "e9" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := AdjustmentFromJSON([]byte(`{"base":"x"`)); err == nil {
		t.Fatal("expected decode error")
	}
}
