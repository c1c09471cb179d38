package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/ledger"
	"finet/internal/log"
)

type entryMutationView struct {
	Result ledger.Result `json:"result"`
	Wallet core.Wallet   `json:"wallet"`
	// Warning is set when the entry was written but the balance was not.
	Warning string `json:"warning,omitempty"`
}

// loadWallet reads the wallet a mutation targets, bypassing cached reads:
// the balance it carries is the base of the next balance write.
func (s *Server) loadWallet(ctx context.Context, id string) (core.Wallet, error) {
	return s.api.FindWallet(api.NoCache(ctx), id)
}

// loadEntry reads an entry and checks it belongs to walletID.
func (s *Server) loadEntry(ctx context.Context, walletID, entryID string) (core.Entry, error) {
	e, err := s.api.Entry(api.NoCache(ctx), entryID)
	if err != nil {
		return core.Entry{}, err
	}
	if e.WalletID != "" && e.WalletID != walletID {
		return core.Entry{}, api.ErrNotFound
	}
	return e, nil
}

// respondMutation answers with the ledger result and the wallet as the API
// now reports it.
func (s *Server) respondMutation(w http.ResponseWriter, r *http.Request, status int, wallet core.Wallet, res ledger.Result, done string) {
	ctx := r.Context()
	s.countEntryWrite(res)

	fresh, err := s.loadWallet(ctx, wallet.ID)
	if err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Could not re-read wallet after entry write",
			log.FieldWalletID, wallet.ID, log.FieldError, err)
		fresh = wallet
		fresh.Balance = res.Balance
	}

	view := entryMutationView{Result: res, Wallet: fresh}
	b := NewResponse().
		Status(status).
		TriggerWalletChanged(wallet.ID).
		TriggerDashboardRefresh()

	switch res.Outcome {
	case ledger.Queued:
		view.Warning = "Saved. The wallet balance will be updated shortly."
		b.TriggerWarningNotification(view.Warning)
	case ledger.Dropped:
		view.Warning = "Saved, but the wallet balance could not be updated."
		b.TriggerWarningNotification(view.Warning)
	default:
		b.TriggerSuccessNotification(done)
	}
	b.JSON(view).Write(w)
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	walletID := chi.URLParam(r, "id")

	e, err := p.EntryFields(core.Entry{Type: core.Expense, Category: core.CategoryOther}, s.now())
	if err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}
	e.WalletID = walletID
	if err := e.Validate(); err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}

	wallet, err := s.loadWallet(ctx, walletID)
	if err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}
	res, err := s.ledger.CreateEntry(ctx, wallet, e)
	if err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}
	s.respondMutation(w, r, http.StatusCreated, wallet, res, "Entry added.")
}

func (s *Server) handleEditEntry(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	walletID, entryID := chi.URLParam(r, "id"), chi.URLParam(r, "entryID")

	wallet, err := s.loadWallet(ctx, walletID)
	if err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}
	old, err := s.loadEntry(ctx, wallet.ID, entryID)
	if err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}

	updated, err := p.EntryFields(old, s.now())
	if err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}
	updated.ID = old.ID
	res, err := s.ledger.EditEntry(ctx, wallet, old, updated)
	if err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}
	s.respondMutation(w, r, http.StatusOK, wallet, res, "Entry updated.")
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	walletID, entryID := chi.URLParam(r, "id"), chi.URLParam(r, "entryID")

	wallet, err := s.loadWallet(ctx, walletID)
	if err != nil {
		s.writeError(w, r, log.OpDelete, err)
		return
	}
	e, err := s.loadEntry(ctx, wallet.ID, entryID)
	if err != nil {
		s.writeError(w, r, log.OpDelete, err)
		return
	}
	res, err := s.ledger.DeleteEntry(ctx, wallet, e)
	if err != nil {
		s.writeError(w, r, log.OpDelete, err)
		return
	}
	s.respondMutation(w, r, http.StatusOK, wallet, res, "Entry deleted.")
}
