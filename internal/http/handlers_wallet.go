package http

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/log"
)

type walletDetailView struct {
	Wallet     core.Wallet           `json:"wallet"`
	Entries    []core.Entry          `json:"entries"`
	Categories []core.CategoryAmount `json:"categories"`
	Income     decimal.Decimal       `json:"income"`
	Expense    decimal.Decimal       `json:"expense"`
	Formatted  map[string]string     `json:"formatted"`
}

// parseBalance reads a wallet balance. Unlike entry amounts it may be zero
// or negative; empty means zero.
func parseBalance(raw string) (decimal.Decimal, error) {
	raw = core.NormalizeAmount(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &core.ValidationError{Field: "balance", Err: core.ErrInvalidAmount}
	}
	return d, nil
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.api.Wallets(r.Context())
	if err != nil {
		s.writeError(w, r, log.OpList, err)
		return
	}
	if wallets == nil {
		wallets = []core.Wallet{}
	}
	NewResponse().JSON(map[string]any{
		"wallets":       wallets,
		"total_balance": core.TotalBalance(wallets),
	}).Write(w)
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	balance, err := parseBalance(p.Get("balance"))
	if err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}
	wallet := core.Wallet{Name: p.Get("name"), Balance: balance, Currency: core.Currency}
	if err := wallet.Validate(); err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}

	ctx := r.Context()
	created, err := s.api.CreateWallet(ctx, wallet)
	if err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}
	log.FromContext(ctx).InfoContext(ctx, "Wallet created",
		log.FieldOperation, log.OpCreate, log.FieldWalletID, created.ID)

	NewResponse().
		Status(http.StatusCreated).
		JSON(map[string]any{"wallet": created}).
		TriggerDashboardRefresh().
		TriggerSuccessNotification("Wallet created.").
		Write(w)
}

func (s *Server) handleWalletDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	wallet, err := s.api.FindWallet(ctx, id)
	if err != nil {
		s.writeError(w, r, log.OpRead, err)
		return
	}
	all, err := s.api.Entries(ctx)
	if err != nil {
		s.writeError(w, r, log.OpRead, err)
		return
	}

	entries := core.WalletEntries(all, wallet.ID)
	if entries == nil {
		entries = []core.Entry{}
	}
	income, expense := core.IncomeExpenseTotals(entries)
	NewResponse().JSON(walletDetailView{
		Wallet:     wallet,
		Entries:    entries,
		Categories: core.CategoryTotals(entries),
		Income:     income,
		Expense:    expense,
		Formatted: map[string]string{
			"balance": core.FormatIDR(wallet.Balance),
			"income":  core.FormatIDR(income),
			"expense": core.FormatIDR(expense),
		},
	}).Write(w)
}

func (s *Server) handleUpdateWallet(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	wallet, err := s.api.FindWallet(api.NoCache(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}

	if p.Has("name") {
		wallet.Name = p.Get("name")
	}
	if p.Has("balance") {
		if wallet.Balance, err = parseBalance(p.Get("balance")); err != nil {
			s.writeError(w, r, log.OpUpdate, err)
			return
		}
	}
	if err := wallet.Validate(); err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}
	if err := s.api.UpdateWallet(ctx, wallet); err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}

	NewResponse().
		JSON(map[string]any{"wallet": wallet}).
		TriggerWalletChanged(wallet.ID).
		TriggerSuccessNotification("Wallet updated.").
		Write(w)
}

func (s *Server) handleDeleteWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.api.DeleteWallet(ctx, id); err != nil {
		s.writeError(w, r, log.OpDelete, err)
		return
	}
	log.FromContext(ctx).InfoContext(ctx, "Wallet deleted", log.FieldOperation, log.OpDelete, log.FieldWalletID, id)

	NewResponse().
		TriggerDashboardRefresh().
		TriggerSuccessNotification("Wallet deleted.").
		Redirect("/wallets").
		Write(w)
}

// handleExportWallet writes the wallet's ledger to the configured exporter
// from fresh reads.
func (s *Server) handleExportWallet(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		ErrorResponse(http.StatusServiceUnavailable, "Export is not configured.").Write(w)
		return
	}
	ctx := api.NoCache(r.Context())

	wallet, err := s.api.FindWallet(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, log.OpExport, err)
		return
	}
	all, err := s.api.Entries(ctx)
	if err != nil {
		s.writeError(w, r, log.OpExport, err)
		return
	}
	entries := core.WalletEntries(all, wallet.ID)

	ref, err := s.exporter.Export(ctx, wallet, entries)
	if err != nil {
		s.writeError(w, r, log.OpExport, err)
		return
	}
	atomic.AddInt64(&s.appMetrics.exports, 1)

	NewResponse().
		JSON(map[string]any{"ref": ref, "entries": len(entries)}).
		TriggerSuccessNotification("Ledger exported.").
		Write(w)
}
