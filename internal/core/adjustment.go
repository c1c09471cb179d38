package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operation names the ledger mutation that produced an adjustment.
type Operation string

const (
	OpCreate Operation = "create"
	OpEdit   Operation = "edit"
	OpDelete Operation = "delete"
)

// Adjustment is a wallet balance write that failed after its ledger entry
// was already written. Base is the balance the write was computed from and
// Target the balance it tried to set, so Target = Base + Delta.
type Adjustment struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id"`
	Base      decimal.Decimal `json:"base"`
	Delta     decimal.Decimal `json:"delta"`
	Target    decimal.Decimal `json:"target"`
	Operation Operation       `json:"operation"`
	EntryID   string          `json:"entry_id,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	LastError string          `json:"last_error,omitempty"`
}

// NewAdjustment builds an adjustment with a fresh id.
func NewAdjustment(walletID string, base, delta decimal.Decimal, op Operation, entryID string) Adjustment {
	return Adjustment{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		Base:      base,
		Delta:     delta,
		Target:    base.Add(delta),
		Operation: op,
		EntryID:   entryID,
		CreatedAt: time.Now().UTC(),
	}
}

func (a Adjustment) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("adjustment: missing id")
	}
	if a.WalletID == "" {
		return invalid("wallet_id", ErrEmptyWallet)
	}
	if !a.Base.Add(a.Delta).Equal(a.Target) {
		return fmt.Errorf("adjustment %s: target %s != base %s + delta %s", a.ID, a.Target, a.Base, a.Delta)
	}
	return nil
}

func (a Adjustment) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

func AdjustmentFromJSON(data []byte) (Adjustment, error) {
	var a Adjustment
	if err := json.Unmarshal(data, &a); err != nil {
		return Adjustment{}, fmt.Errorf("decode adjustment: %w", err)
	}
	return a, nil
}
