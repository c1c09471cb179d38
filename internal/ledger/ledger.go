// Package ledger keeps a wallet's cached balance consistent with its ledger
// entries. Every entry write is followed by a balance write of the signed
// delta; a failed balance write is handed to a retry queue instead of being
// lost.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"finet/internal/core"
	"finet/internal/log"
)

// Gateway is the subset of the Finet API the ledger writes through.
type Gateway interface {
	CreateEntry(ctx context.Context, e core.Entry) (core.Entry, error)
	UpdateEntry(ctx context.Context, e core.Entry) error
	DeleteEntry(ctx context.Context, id string) error
	Wallet(ctx context.Context, id string) (core.Wallet, error)
	Entries(ctx context.Context) ([]core.Entry, error)
	SetBalance(ctx context.Context, walletID string, balance decimal.Decimal) error
}

// Queue accepts adjustments for a later retry.
type Queue interface {
	Enqueue(ctx context.Context, adj core.Adjustment) error
}

// Mode selects who maintains wallet balances.
type Mode string

const (
	// ModeClient writes the balance after every entry write.
	ModeClient Mode = "client"
	// ModeServer leaves balances to the API and never writes them.
	ModeServer Mode = "server"
)

// Outcome reports what happened to the balance write of a mutation.
type Outcome string

const (
	Applied  Outcome = "applied"
	Skipped  Outcome = "skipped"
	Queued   Outcome = "queued"
	Dropped  Outcome = "dropped"
	Deferred Outcome = "deferred"
)

// ErrEntryWrite wraps a failed entry write. The wallet is never written
// after it.
var ErrEntryWrite = errors.New("entry write failed")

type Result struct {
	Entry   core.Entry      `json:"entry"`
	Outcome Outcome         `json:"outcome"`
	Delta   decimal.Decimal `json:"delta"`
	// Balance is the balance the wallet holds once the write lands.
	Balance    decimal.Decimal  `json:"balance"`
	Adjustment *core.Adjustment `json:"adjustment,omitempty"`
	// BalanceErr is the failed balance write, if any.
	BalanceErr error `json:"-"`
}

type Config struct {
	Mode   Mode
	Queue  Queue
	Logger *log.Logger
}

type Manager struct {
	gw     Gateway
	queue  Queue
	mode   Mode
	logger *log.Logger
}

func NewManager(gw Gateway, cfg Config) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModeClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		gw:     gw,
		queue:  cfg.Queue,
		mode:   cfg.Mode,
		logger: logger.WithComponent(log.ComponentLedger),
	}
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// CreateEntry writes e into wallet and adds its signed amount to the
// balance snapshot.
func (m *Manager) CreateEntry(ctx context.Context, wallet core.Wallet, e core.Entry) (Result, error) {
	e.WalletID = wallet.ID
	if err := e.Validate(); err != nil {
		return Result{}, err
	}

	created, err := m.gw.CreateEntry(ctx, e)
	if err != nil {
		return Result{}, m.entryFailed(ctx, log.OpCreate, wallet.ID, e.ID, err)
	}
	return m.settle(ctx, wallet, e.Signed(), core.OpCreate, created), nil
}

// EditEntry replaces old with updated and applies the difference of their
// signed amounts.
func (m *Manager) EditEntry(ctx context.Context, wallet core.Wallet, old, updated core.Entry) (Result, error) {
	if updated.ID == "" {
		updated.ID = old.ID
	}
	updated.WalletID = wallet.ID
	if updated.ID == "" {
		return Result{}, &core.ValidationError{Field: "id", Err: errors.New("required")}
	}
	if err := updated.Validate(); err != nil {
		return Result{}, err
	}

	if err := m.gw.UpdateEntry(ctx, updated); err != nil {
		return Result{}, m.entryFailed(ctx, log.OpUpdate, wallet.ID, updated.ID, err)
	}
	return m.settle(ctx, wallet, EditDelta(old, updated), core.OpEdit, updated), nil
}

// DeleteEntry removes e and reverts its signed amount.
func (m *Manager) DeleteEntry(ctx context.Context, wallet core.Wallet, e core.Entry) (Result, error) {
	if e.ID == "" {
		return Result{}, &core.ValidationError{Field: "id", Err: errors.New("required")}
	}
	if err := m.gw.DeleteEntry(ctx, e.ID); err != nil {
		return Result{}, m.entryFailed(ctx, log.OpDelete, wallet.ID, e.ID, err)
	}
	return m.settle(ctx, wallet, e.Signed().Neg(), core.OpDelete, e), nil
}

// EditDelta is signed(updated) - signed(old).
func EditDelta(old, updated core.Entry) decimal.Decimal {
	return updated.Signed().Sub(old.Signed())
}

func (m *Manager) entryFailed(ctx context.Context, op, walletID, entryID string, err error) error {
	m.logger.WarnContext(ctx, "Entry write failed, wallet left untouched",
		log.NewFields().
			WithOperation(op).
			With(log.FieldWalletID, walletID).
			With(log.FieldEntryID, entryID).
			WithError(err).
			ToSlice()...)
	return fmt.Errorf("%w: %w", ErrEntryWrite, err)
}

// settle performs the balance write of a mutation whose entry write
// already succeeded. Only an edit may skip it, when the amount barely moved;
// creates and deletes always carry their full signed amount.
func (m *Manager) settle(ctx context.Context, wallet core.Wallet, delta decimal.Decimal, op core.Operation, entry core.Entry) Result {
	res := Result{Entry: entry, Delta: delta, Balance: wallet.Balance}

	if op == core.OpEdit && core.Negligible(delta) {
		res.Outcome = Skipped
		return res
	}
	target := wallet.Balance.Add(delta)
	res.Balance = target

	if m.mode == ModeServer {
		res.Outcome = Deferred
		return res
	}

	fields := log.NewFields().
		WithOperation(string(op)).
		WithBalanceChange(wallet.ID, entry.ID, delta.String(), target.String())

	err := m.gw.SetBalance(ctx, wallet.ID, target)
	if err == nil {
		res.Outcome = Applied
		m.logger.InfoContext(ctx, "Wallet balance updated", fields.ToSlice()...)
		return res
	}

	res.BalanceErr = err
	adj := core.NewAdjustment(wallet.ID, wallet.Balance, delta, op, entry.ID)
	adj.LastError = err.Error()
	res.Adjustment = &adj
	fields = fields.WithError(err).With(log.FieldAdjustment, adj.ID)

	if m.queue == nil {
		res.Outcome = Dropped
		m.logger.ErrorContext(ctx, "Wallet balance update failed, no retry queue configured", fields.ToSlice()...)
		return res
	}
	if qerr := m.queue.Enqueue(ctx, adj); qerr != nil {
		res.Outcome = Dropped
		res.BalanceErr = errors.Join(err, fmt.Errorf("enqueue adjustment: %w", qerr))
		m.logger.ErrorContext(ctx, "Wallet balance update failed and could not be queued",
			fields.With("queue_error", qerr.Error()).ToSlice()...)
		return res
	}

	res.Outcome = Queued
	m.logger.WarnContext(ctx, "Wallet balance update failed, adjustment queued", fields.ToSlice()...)
	return res
}
