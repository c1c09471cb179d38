package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"finet/internal/core"
	"finet/internal/log"
)

func walletPath(id string) string { return "/wallet/" + url.PathEscape(id) }
func entryPath(id string) string { return "/expense/" + url.PathEscape(id) }

func (c *Client) Wallets(ctx context.Context) ([]core.Wallet, error) {
	body, err := c.get(ctx, "/wallet")
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return decodeWallets(body)
}

func (c *Client) Wallet(ctx context.Context, id string) (core.Wallet, error) {
	body, err := c.get(ctx, walletPath(id))
	if err != nil {
		return core.Wallet{}, fmt.Errorf("get wallet %s: %w", id, err)
	}
	w, err := decodeWallet(body)
	if err != nil {
		return core.Wallet{}, err
	}
	if w.ID == "" {
		w.ID = id
	}
	return w, nil
}

// FindWallet reads a wallet by id and falls back to searching the wallet
// list when the single-wallet endpoint fails.
func (c *Client) FindWallet(ctx context.Context, id string) (core.Wallet, error) {
	w, err := c.Wallet(ctx, id)
	if err == nil {
		return w, nil
	}
	if IsUnauthorized(err) {
		return core.Wallet{}, err
	}
	c.logger.WarnContext(ctx, "Wallet fetch failed, searching wallet list",
		log.FieldWalletID, id, log.FieldError, err)

	wallets, listErr := c.Wallets(ctx)
	if listErr != nil {
		return core.Wallet{}, fmt.Errorf("find wallet %s: %w", id, listErr)
	}
	for _, w := range wallets {
		if w.ID == id {
			return w, nil
		}
	}
	return core.Wallet{}, fmt.Errorf("find wallet %s: %w", id, ErrNotFound)
}

type walletPayload struct {
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

func (c *Client) CreateWallet(ctx context.Context, w core.Wallet) (core.Wallet, error) {
	if err := w.Validate(); err != nil {
		return core.Wallet{}, err
	}
	body, err := c.mutate(ctx, http.MethodPost, "/wallet", walletPayload{Name: w.Name, Balance: w.Balance})
	if err != nil {
		return core.Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	created, err := decodeWallet(body)
	if err != nil || created.ID == "" {
		// Some responses carry only a message; report what was sent.
		return core.Wallet{Name: w.Name, Balance: w.Balance, Currency: core.Currency}, nil
	}
	return created, nil
}

// UpdateWallet patches name and balance.
func (c *Client) UpdateWallet(ctx context.Context, w core.Wallet) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if _, err := c.mutate(ctx, http.MethodPatch, walletPath(w.ID), walletPayload{Name: w.Name, Balance: w.Balance}); err != nil {
		return fmt.Errorf("update wallet %s: %w", w.ID, err)
	}
	return nil
}

// SetBalance patches only the balance of a wallet.
func (c *Client) SetBalance(ctx context.Context, walletID string, balance decimal.Decimal) error {
	body := map[string]decimal.Decimal{"balance": balance}
	if _, err := c.mutate(ctx, http.MethodPatch, walletPath(walletID), body); err != nil {
		return fmt.Errorf("set balance of wallet %s: %w", walletID, err)
	}
	return nil
}

func (c *Client) DeleteWallet(ctx context.Context, id string) error {
	if _, err := c.mutate(ctx, http.MethodDelete, walletPath(id), nil); err != nil {
		return fmt.Errorf("delete wallet %s: %w", id, err)
	}
	return nil
}

// Entries lists every ledger entry of the signed-in user.
func (c *Client) Entries(ctx context.Context) ([]core.Entry, error) {
	body, err := c.get(ctx, "/expense")
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return decodeEntries(body)
}

func (c *Client) Entry(ctx context.Context, id string) (core.Entry, error) {
	body, err := c.get(ctx, entryPath(id))
	if err != nil {
		return core.Entry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	e, err := decodeEntry(body)
	if err != nil {
		return core.Entry{}, err
	}
	if e.ID == "" {
		e.ID = id
	}
	return e, nil
}

// CreateEntry posts e and returns the stored entry; the id is empty when
// the API does not echo the created record.
func (c *Client) CreateEntry(ctx context.Context, e core.Entry) (core.Entry, error) {
	if err := e.Validate(); err != nil {
		return core.Entry{}, err
	}
	body, err := c.mutate(ctx, http.MethodPost, "/expense", newEntryPayload(e))
	if err != nil {
		return core.Entry{}, fmt.Errorf("create entry: %w", err)
	}
	created, derr := decodeEntry(body)
	if derr != nil || created.ID == "" {
		return e, nil
	}
	if created.WalletID == "" {
		created.WalletID = e.WalletID
	}
	return created, nil
}

func (c *Client) UpdateEntry(ctx context.Context, e core.Entry) error {
	if e.ID == "" {
		return &core.ValidationError{Field: "id", Err: errors.New("required")}
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if _, err := c.mutate(ctx, http.MethodPatch, entryPath(e.ID), newEntryPayload(e)); err != nil {
		return fmt.Errorf("update entry %s: %w", e.ID, err)
	}
	return nil
}

func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	if _, err := c.mutate(ctx, http.MethodDelete, entryPath(id), nil); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}
