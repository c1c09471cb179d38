package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"finet/internal/core"
)

// flexString accepts a JSON string, number or null.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*s = flexString(n.String())
	}
	return nil
}

type wireWallet struct {
	MongoID  flexString      `json:"_id"`
	ID       flexString      `json:"id"`
	Name     string          `json:"name"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

func (w wireWallet) core() core.Wallet {
	cur := w.Currency
	if cur == "" {
		cur = core.Currency
	}
	return core.Wallet{
		ID:       firstNonEmpty(string(w.MongoID), string(w.ID)),
		Name:     w.Name,
		Balance:  w.Balance,
		Currency: cur,
	}
}

type wireEntry struct {
	MongoID  flexString      `json:"_id"`
	ID       flexString      `json:"id"`
	WalletID flexString      `json:"wallet_id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Type     core.EntryType  `json:"expense_type"`
	Category core.Category   `json:"category_id"`
	Date     core.Date       `json:"date"`
	Note     string          `json:"note"`
}

func (e wireEntry) core() core.Entry {
	return core.Entry{
		ID:       firstNonEmpty(string(e.MongoID), string(e.ID)),
		WalletID: string(e.WalletID),
		Name:     e.Name,
		Price:    e.Price,
		Type:     e.Type,
		Category: e.Category,
		Date:     e.Date,
		Note:     e.Note,
	}
}

type wireUser struct {
	MongoID      flexString `json:"_id"`
	ID           flexString `json:"id"`
	Username     string     `json:"username"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Role         string     `json:"role"`
	PhoneNumber  flexString `json:"phone_number"`
	DOB          string     `json:"dob"`
	ProfileImage string     `json:"profile_image"`
}

func (u wireUser) core() core.User {
	return core.User{
		ID:           firstNonEmpty(string(u.MongoID), string(u.ID)),
		Username:     u.Username,
		Name:         u.Name,
		Email:        u.Email,
		Role:         u.Role,
		PhoneNumber:  string(u.PhoneNumber),
		DOB:          u.DOB,
		ProfileImage: u.ProfileImage,
	}
}

// entryPayload is the body of POST and PATCH /expense.
type entryPayload struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category core.Category   `json:"category_id"`
	Type     core.EntryType  `json:"expense_type"`
	Date     string          `json:"date"`
	Note     string          `json:"note"`
	WalletID string          `json:"wallet_id"`
}

func newEntryPayload(e core.Entry) entryPayload {
	return entryPayload{
		Name:     e.Name,
		Price:    e.Price,
		Category: e.Category.OrOther(),
		Type:     e.Type,
		Date:     e.Date.ISO(),
		Note:     e.Note,
		WalletID: e.WalletID,
	}
}

// userPayload is the body of PATCH /user. Password is only sent when set.
type userPayload struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	PhoneNumber  *int64 `json:"phone_number"`
	DOB          string `json:"dob"`
	ProfileImage string `json:"profile_image"`
	Password     string `json:"password,omitempty"`
}

func newUserPayload(p core.ProfileUpdate) userPayload {
	img := p.ProfileImage
	if img == "" {
		img = "string"
	}
	return userPayload{
		Username:     p.Username,
		Email:        p.Email,
		PhoneNumber:  phoneNumber(p.PhoneNumber),
		DOB:          p.DOB,
		ProfileImage: img,
		Password:     p.Password,
	}
}

// registerPayload is the body of POST /auth/register.
type registerPayload struct {
	Email        string  `json:"email"`
	Password     string  `json:"password"`
	Username     string  `json:"username"`
	PhoneNumber  *int64  `json:"phone_number"`
	DOB          string  `json:"dob"`
	ProfileImage *string `json:"profile_image"`
}

func newRegisterPayload(r core.Registration) registerPayload {
	dob := r.DOB
	if d, err := core.ParseDate(r.DOB); err == nil {
		dob = d.ISO()
	}
	return registerPayload{
		Email:       r.Email,
		Password:    r.Password,
		Username:    r.Username,
		PhoneNumber: phoneNumber(r.PhoneNumber),
		DOB:         dob,
	}
}

// phoneNumber converts a typed phone number to the numeric value the API
// stores; nil when no digits remain.
func phoneNumber(s string) *int64 {
	digits := core.PhoneDigits(s)
	if digits == "" {
		return nil
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// unwrapList returns the array found at the first present key, or the body
// itself when it is a bare array.
func unwrapList(body []byte, keys ...string) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return list, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		return list, nil
	}
	return nil, nil
}

// unwrapObject returns the object found at the first present key, or the
// body itself.
func unwrapObject(body []byte, keys ...string) json.RawMessage {
	var obj map[string]json.RawMessage
	if json.Unmarshal(body, &obj) != nil {
		return body
	}
	for _, k := range keys {
		raw := bytes.TrimSpace(obj[k])
		if len(raw) > 0 && raw[0] == '{' {
			return raw
		}
	}
	return body
}

// token reads the bearer token from a login or OAuth response.
func token(body []byte) string {
	var t struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		Data        *struct {
			Token       string `json:"token"`
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &t) != nil {
		return ""
	}
	if tok := firstNonEmpty(t.Token, t.AccessToken); tok != "" {
		return tok
	}
	if t.Data != nil {
		return firstNonEmpty(t.Data.Token, t.Data.AccessToken)
	}
	return ""
}

func decodeWallets(body []byte) ([]core.Wallet, error) {
	raws, err := unwrapList(body, "data", "wallets")
	if err != nil {
		return nil, err
	}
	out := make([]core.Wallet, 0, len(raws))
	for _, raw := range raws {
		var w wireWallet
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode wallet: %w", err)
		}
		out = append(out, w.core())
	}
	return out, nil
}

func decodeEntries(body []byte) ([]core.Entry, error) {
	raws, err := unwrapList(body, "expense", "expenses", "data")
	if err != nil {
		return nil, err
	}
	out := make([]core.Entry, 0, len(raws))
	for _, raw := range raws {
		var e wireEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e.core())
	}
	return out, nil
}

func decodeWallet(body []byte) (core.Wallet, error) {
	var w wireWallet
	if err := json.Unmarshal(unwrapObject(body, "data", "wallet"), &w); err != nil {
		return core.Wallet{}, fmt.Errorf("decode wallet: %w", err)
	}
	return w.core(), nil
}

func decodeEntry(body []byte) (core.Entry, error) {
	var e wireEntry
	if err := json.Unmarshal(unwrapObject(body, "data", "expense"), &e); err != nil {
		return core.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e.core(), nil
}

func decodeUser(body []byte) (core.User, error) {
	var u wireUser
	if err := json.Unmarshal(unwrapObject(body, "profile", "data", "user"), &u); err != nil {
		return core.User{}, fmt.Errorf("decode user: %w", err)
	}
	return u.core(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
