// Package core provides money parsing and formatting utilities.
//
// Amounts are decimal rupiah values. The API and the web client both exchange
// them as JSON numbers.
package core

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Epsilon is the smallest balance change worth writing back to a wallet.
var Epsilon = decimal.New(1, -2)

// Negligible reports whether |d| < Epsilon.
func Negligible(d decimal.Decimal) bool {
	return d.Abs().LessThan(Epsilon)
}

// groupedIDR matches id-ID digit grouping such as "1.250.000" or "1.250,5".
var groupedIDR = regexp.MustCompile(`^\d{1,3}(\.\d{3})+(,\d+)?$`)

// NormalizeAmount turns user or FormatIDR input into a plain decimal string.
//
// A leading "Rp" is dropped and a comma is read as decimal separator. Dots
// are read as thousands separators when the value is grouped id-ID style
// and either carried "Rp", has a decimal comma or has more than one group;
// a lone "1.250" stays 1.25. A leading minus is kept.
func NormalizeAmount(s string) string {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = strings.TrimSpace(s[1:])
	}
	formatted := strings.HasPrefix(s, "Rp")
	s = strings.TrimSpace(strings.TrimPrefix(s, "Rp"))

	if groupedIDR.MatchString(s) && (formatted || strings.Contains(s, ",") || strings.Count(s, ".") > 1) {
		s = strings.ReplaceAll(s, ".", "")
	}
	s = strings.ReplaceAll(s, ",", ".")
	if neg {
		s = "-" + s
	}
	return s
}

// ParseAmount parses a positive amount typed by a user.
//
// Input is normalized with NormalizeAmount, so FormatIDR output parses back.
// Negative and zero values are rejected.
//
// Examples:
//
//	ParseAmount("15000")          -> 15000, nil
//	ParseAmount("Rp 12,5")        -> 12.5, nil
//	ParseAmount("Rp 1.250.000")   -> 1250000, nil
//	ParseAmount("-1")             -> error
func ParseAmount(s string) (decimal.Decimal, error) {
	s = NormalizeAmount(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// FormatIDR renders an amount the way id-ID currency formatting does with
// no fraction digits, e.g. "Rp 1.250.000" or "-Rp 5.000".
func FormatIDR(d decimal.Decimal) string {
	digits := d.Abs().Round(0).StringFixed(0)

	var b strings.Builder
	if d.Round(0).IsNegative() {
		b.WriteByte('-')
	}
	b.WriteString("Rp ")
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte('.')
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
