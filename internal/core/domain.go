package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Expense EntryType = "expense"
	Income  EntryType = "income"
)

const (
	CategoryShopping  Category = "Shopping"
	CategoryFood      Category = "Food"
	CategoryTransport Category = "Transport"
	CategoryBills     Category = "Bills"
	CategoryOther     Category = "Other"
)

// Currency is the only currency the API stores balances in.
const Currency = "IDR"

type (
	EntryType string

	Category string

	Date struct {
		time.Time
	}

	Wallet struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Balance  decimal.Decimal `json:"balance"`
		Currency string          `json:"currency"`
	}

	// Entry is one income or expense record attributed to a wallet.
	Entry struct {
		ID       string          `json:"id"`
		WalletID string          `json:"wallet_id"`
		Name     string          `json:"name"`
		Price    decimal.Decimal `json:"price"`
		Type     EntryType       `json:"expense_type"`
		Category Category        `json:"category_id"`
		Date     Date            `json:"date"`
		Note     string          `json:"note"`
	}

	User struct {
		ID           string `json:"id,omitempty"`
		Username     string `json:"username,omitempty"`
		Name         string `json:"name,omitempty"`
		Email        string `json:"email"`
		Role         string `json:"role,omitempty"`
		PhoneNumber  string `json:"phone_number,omitempty"`
		DOB          string `json:"dob,omitempty"`
		ProfileImage string `json:"profile_image,omitempty"`
	}

	Registration struct {
		Username        string
		Email           string
		PhoneNumber     string
		DOB             string
		Password        string
		ConfirmPassword string
		AcceptTerms     bool
	}

	ProfileUpdate struct {
		Username     string
		Email        string
		PhoneNumber  string
		DOB          string
		ProfileImage string
		Password     string
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyName        = errors.New("empty name")
	ErrInvalidEntryType = errors.New("invalid entry type")
	ErrEmptyWallet      = errors.New("empty wallet id")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrTermsNotAccepted = errors.New("terms must be accepted")
)

// ValidationError reports the form field that failed validation.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

func (t EntryType) Valid() bool {
	return t == Expense || t == Income
}

// Categories returns the category ids offered by the entry forms.
func Categories() []Category {
	return []Category{CategoryShopping, CategoryFood, CategoryTransport, CategoryBills, CategoryOther}
}

// OrOther maps an empty category id to CategoryOther.
func (c Category) OrOther() Category {
	if strings.TrimSpace(string(c)) == "" {
		return CategoryOther
	}
	return c
}

// Label is the display name of a category; unknown ids are shown as-is.
func (c Category) Label() string {
	switch c.OrOther() {
	case CategoryFood:
		return "Food & Drink"
	default:
		return string(c.OrOther())
	}
}

// Signed returns the entry's contribution to its wallet balance:
// +price for income, -price for expense.
func (e Entry) Signed() decimal.Decimal {
	if e.Type == Income {
		return e.Price
	}
	return e.Price.Neg()
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return invalid("name", ErrEmptyName)
	}
	if len(e.Name) > 200 {
		return invalid("name", errors.New("name too long (max 200 characters)"))
	}
	if !e.Price.IsPositive() {
		return invalid("price", ErrInvalidAmount)
	}
	if !e.Type.Valid() {
		return invalid("expense_type", ErrInvalidEntryType)
	}
	if strings.TrimSpace(e.WalletID) == "" {
		return invalid("wallet_id", ErrEmptyWallet)
	}
	if e.Date.IsZero() {
		return invalid("date", errors.New("date cannot be zero"))
	}
	return nil
}

func (w Wallet) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return invalid("name", ErrEmptyName)
	}
	if len(w.Name) > 100 {
		return invalid("name", errors.New("name too long (max 100 characters)"))
	}
	return nil
}

// PlaceholderUser is shown when no profile could be fetched after login.
func PlaceholderUser() User {
	return User{Name: "User", Email: "Google User"}
}

// IsZero reports whether no identifying field is set.
func (u User) IsZero() bool {
	return u.ID == "" && u.Username == "" && u.Name == "" && u.Email == ""
}

func (u User) DisplayName() string {
	switch {
	case u.Username != "":
		return u.Username
	case u.Name != "":
		return u.Name
	default:
		return "User"
	}
}

// AvatarURL returns the profile image, or a generated avatar when the API
// holds no image (empty or the literal "string" default).
func (u User) AvatarURL() string {
	if u.ProfileImage != "" && u.ProfileImage != "string" {
		return u.ProfileImage
	}
	return "https://api.dicebear.com/7.x/avataaars/svg?seed=" + u.DisplayName()
}

func (r Registration) Validate() error {
	required := []struct {
		field, value string
	}{
		{"username", r.Username},
		{"email", r.Email},
		{"phone_number", r.PhoneNumber},
		{"dob", r.DOB},
		{"password", r.Password},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return invalid(f.field, errors.New("required"))
		}
	}
	if !strings.Contains(r.Email, "@") {
		return invalid("email", errors.New("invalid email address"))
	}
	if r.Password != r.ConfirmPassword {
		return invalid("confirm_password", ErrPasswordMismatch)
	}
	if !r.AcceptTerms {
		return invalid("agree_terms", ErrTermsNotAccepted)
	}
	if _, err := ParseDate(r.DOB); err != nil {
		return invalid("dob", err)
	}
	return nil
}

func (p ProfileUpdate) Validate() error {
	if strings.TrimSpace(p.Username) == "" {
		return invalid("username", errors.New("required"))
	}
	if !strings.Contains(p.Email, "@") {
		return invalid("email", errors.New("invalid email address"))
	}
	return nil
}

// PhoneDigits strips every non-digit character. An empty result means the
// number is unset.
func PhoneDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
