package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/log"
)

// Resolution is how ApplyAdjustment settled a queued adjustment.
type Resolution string

const (
	// AlreadyApplied means the wallet already holds the target balance.
	AlreadyApplied Resolution = "already_applied"
	// SetTarget means the wallet still held the base and was patched to the target.
	SetTarget Resolution = "set_target"
	// ApplyDelta means other writes landed in between; the delta was added to
	// the current balance.
	ApplyDelta Resolution = "apply_delta"
)

// ApplyAdjustment replays a failed balance write against a freshly fetched
// wallet. Applying the same adjustment twice leaves the wallet at its target.
func (m *Manager) ApplyAdjustment(ctx context.Context, adj core.Adjustment) (Resolution, error) {
	if err := adj.Validate(); err != nil {
		return "", err
	}

	wallet, err := m.gw.Wallet(api.NoCache(ctx), adj.WalletID)
	if err != nil {
		return "", fmt.Errorf("fetch wallet %s: %w", adj.WalletID, err)
	}

	var (
		res    Resolution
		target decimal.Decimal
	)
	switch {
	case wallet.Balance.Equal(adj.Target):
		res = AlreadyApplied
	case wallet.Balance.Equal(adj.Base):
		res, target = SetTarget, adj.Target
	default:
		res, target = ApplyDelta, wallet.Balance.Add(adj.Delta)
	}

	fields := log.NewFields().
		WithOperation(log.OpAdjust).
		With(log.FieldAdjustment, adj.ID).
		With(log.FieldReason, string(res))

	if res == AlreadyApplied {
		m.logger.InfoContext(ctx, "Adjustment already applied",
			fields.WithBalanceChange(adj.WalletID, adj.EntryID, adj.Delta.String(), wallet.Balance.String()).ToSlice()...)
		return res, nil
	}

	if err := m.gw.SetBalance(ctx, adj.WalletID, target); err != nil {
		return "", fmt.Errorf("set balance of %s: %w", adj.WalletID, err)
	}
	m.logger.InfoContext(ctx, "Adjustment applied",
		fields.WithBalanceChange(adj.WalletID, adj.EntryID, adj.Delta.String(), target.String()).ToSlice()...)
	return res, nil
}

// Drift compares a wallet's cached balance with the one its ledger implies.
type Drift struct {
	WalletID string          `json:"wallet_id"`
	Cached   decimal.Decimal `json:"cached"`
	Computed decimal.Decimal `json:"computed"`
	Diff     decimal.Decimal `json:"diff"`
	Entries  int             `json:"entries"`
}

// InSync reports whether the cached balance matches the ledger exactly.
func (d Drift) InSync() bool {
	return d.Diff.IsZero()
}

// Recompute derives the balance of walletID as opening plus the signed sum
// of its entries.
func (m *Manager) Recompute(ctx context.Context, walletID string, opening decimal.Decimal) (Drift, error) {
	if walletID == "" {
		return Drift{}, &core.ValidationError{Field: "wallet_id", Err: core.ErrEmptyWallet}
	}

	fresh := api.NoCache(ctx)
	wallet, err := m.gw.Wallet(fresh, walletID)
	if err != nil {
		return Drift{}, fmt.Errorf("fetch wallet %s: %w", walletID, err)
	}
	all, err := m.gw.Entries(fresh)
	if err != nil {
		return Drift{}, fmt.Errorf("fetch entries: %w", err)
	}

	computed := opening
	entries := core.WalletEntries(all, walletID)
	for _, e := range entries {
		computed = computed.Add(e.Signed())
	}

	return Drift{
		WalletID: walletID,
		Cached:   wallet.Balance,
		Computed: computed,
		Diff:     computed.Sub(wallet.Balance),
		Entries:  len(entries),
	}, nil
}

// ApplyRecompute writes the recomputed balance when it drifted.
func (m *Manager) ApplyRecompute(ctx context.Context, d Drift) (bool, error) {
	if d.InSync() {
		return false, nil
	}
	if err := m.gw.SetBalance(ctx, d.WalletID, d.Computed); err != nil {
		return false, fmt.Errorf("set balance of %s: %w", d.WalletID, err)
	}
	m.logger.InfoContext(ctx, "Wallet balance recomputed",
		log.NewFields().
			WithOperation(log.OpReconcile).
			WithBalanceChange(d.WalletID, "", d.Diff.String(), d.Computed.String()).
			With("entries", d.Entries).
			ToSlice()...)
	return true, nil
}

// ErrQueueFull is returned by a bounded MemoryQueue.
var ErrQueueFull = errors.New("adjustment queue full")

// MemoryQueue keeps adjustments in process. It backs the "none" retry
// backend's tests and single-process setups.
type MemoryQueue struct {
	mu    sync.Mutex
	items []core.Adjustment
	limit int
}

// NewMemoryQueue returns a queue holding at most limit items; 0 is unbounded.
func NewMemoryQueue(limit int) *MemoryQueue {
	return &MemoryQueue{limit: limit}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, adj core.Adjustment) error {
	if err := adj.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, adj)
	return nil
}

// Drain removes and returns every queued adjustment in arrival order.
func (q *MemoryQueue) Drain() []core.Adjustment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
