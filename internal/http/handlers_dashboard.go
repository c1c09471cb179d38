package http

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"finet/internal/core"
	"finet/internal/log"
)

type dashboardView struct {
	core.Overview
	Wallets   []core.Wallet     `json:"wallets"`
	Formatted map[string]string `json:"formatted"`
	User      core.User         `json:"user"`
}

// fetchLedger loads every wallet and entry concurrently.
func (s *Server) fetchLedger(ctx context.Context) ([]core.Wallet, []core.Entry, error) {
	var (
		wallets []core.Wallet
		entries []core.Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		wallets, err = s.api.Wallets(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		entries, err = s.api.Entries(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return wallets, entries, nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	wallets, entries, err := s.fetchLedger(r.Context())
	if err != nil {
		s.writeError(w, r, log.OpRead, err)
		return
	}

	recent := parseLimit(r.URL.Query(), "recent", recentLimit, 50)
	overview := core.Summarize(wallets, entries, s.now(), recent)

	user := s.sess.User()
	if user.IsZero() {
		user = core.PlaceholderUser()
	}

	NewResponse().JSON(dashboardView{
		Overview: overview,
		Wallets:  wallets,
		Formatted: map[string]string{
			"total_balance": core.FormatIDR(overview.TotalBalance),
			"income":        core.FormatIDR(overview.Income),
			"expense":       core.FormatIDR(overview.Expense),
		},
		User: user,
	}).Write(w)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.api.Entries(ctx)
	if err != nil {
		s.writeError(w, r, log.OpRead, err)
		return
	}
	res, err := s.forecaster.Forecast(ctx, entries)
	if err != nil {
		s.writeError(w, r, log.OpRead, err)
		return
	}
	NewResponse().JSON(res).Write(w)
}
