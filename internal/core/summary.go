package core

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CategoryAmount is an amount aggregated by category id.
type CategoryAmount struct {
	Category Category        `json:"id"`
	Name     string          `json:"name"`
	Amount   decimal.Decimal `json:"amount"`
	Percent  int             `json:"percent"`
}

// DailySeries holds the expense totals of the seven calendar days ending
// today. Index 6 is today.
type DailySeries struct {
	Days    [7]Date            `json:"days"`
	Amounts [7]decimal.Decimal `json:"amounts"`
}

// Overview is everything the dashboard and wallet detail views show.
type Overview struct {
	TotalBalance  decimal.Decimal  `json:"total_balance"`
	Income        decimal.Decimal  `json:"income"`
	Expense       decimal.Decimal  `json:"expense"`
	TopCategories []CategoryAmount `json:"top_categories"`
	LastSevenDays DailySeries      `json:"last_seven_days"`
	Recent        []Entry          `json:"recent"`
}

// TotalBalance sums the cached balance of every wallet.
func TotalBalance(wallets []Wallet) decimal.Decimal {
	total := decimal.Zero
	for _, w := range wallets {
		total = total.Add(w.Balance)
	}
	return total
}

// IncomeExpenseTotals returns the total income and total expense as
// positive magnitudes.
func IncomeExpenseTotals(entries []Entry) (income, expense decimal.Decimal) {
	income, expense = decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.Type == Income {
			income = income.Add(e.Price)
		} else {
			expense = expense.Add(e.Price)
		}
	}
	return income, expense
}

// CategoryTotals returns the signed sum of entries per category, in the
// order each category is first seen.
func CategoryTotals(entries []Entry) []CategoryAmount {
	return groupByCategory(entries, func(e Entry) (decimal.Decimal, bool) {
		return e.Signed(), true
	})
}

// CategoryPercent is round(|sum| / |total| * 100), or 0 when total is 0.
func CategoryPercent(sum, total decimal.Decimal) int {
	if total.IsZero() {
		return 0
	}
	return int(sum.Abs().Div(total.Abs()).Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

// TopCategories ranks expense categories by absolute amount and keeps the
// first n. Percentages are shares of the total expense.
func TopCategories(entries []Entry, n int) []CategoryAmount {
	cats := groupByCategory(entries, func(e Entry) (decimal.Decimal, bool) {
		return e.Price, e.Type == Expense
	})

	total := decimal.Zero
	for _, c := range cats {
		total = total.Add(c.Amount)
	}
	for i := range cats {
		cats[i].Percent = CategoryPercent(cats[i].Amount, total)
	}

	sort.SliceStable(cats, func(i, j int) bool {
		return cats[i].Amount.Abs().GreaterThan(cats[j].Amount.Abs())
	})
	if n >= 0 && len(cats) > n {
		cats = cats[:n]
	}
	return cats
}

func groupByCategory(entries []Entry, pick func(Entry) (decimal.Decimal, bool)) []CategoryAmount {
	index := make(map[Category]int)
	var out []CategoryAmount
	for _, e := range entries {
		amount, ok := pick(e)
		if !ok {
			continue
		}
		cat := e.Category.OrOther()
		i, seen := index[cat]
		if !seen {
			i = len(out)
			index[cat] = i
			out = append(out, CategoryAmount{Category: cat, Name: cat.Label(), Amount: decimal.Zero})
		}
		out[i].Amount = out[i].Amount.Add(amount)
	}
	return out
}

// LastSevenDays buckets expense entries by local calendar day. An entry
// dated today lands in the last bucket, six days ago in the first, and
// anything older or in the future is dropped.
func LastSevenDays(entries []Entry, now time.Time) DailySeries {
	today := DateOf(now)

	var s DailySeries
	for i := range s.Days {
		s.Days[i] = DateOf(today.AddDate(0, 0, i-6))
		s.Amounts[i] = decimal.Zero
	}
	for _, e := range entries {
		if e.Type != Expense || e.Date.IsZero() {
			continue
		}
		diff := e.Date.DaysUntil(today)
		if diff >= 0 && diff < 7 {
			s.Amounts[6-diff] = s.Amounts[6-diff].Add(e.Price.Abs())
		}
	}
	return s
}

// WalletEntries returns the entries of one wallet, newest first.
func WalletEntries(entries []Entry, walletID string) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	SortByDateDesc(out)
	return out
}

func SortByDateDesc(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date.After(entries[j].Date.Time)
	})
}

// Summarize builds the overview of a set of wallets and their entries.
func Summarize(wallets []Wallet, entries []Entry, now time.Time, recent int) Overview {
	income, expense := IncomeExpenseTotals(entries)

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	SortByDateDesc(sorted)
	if recent >= 0 && len(sorted) > recent {
		sorted = sorted[:recent]
	}

	return Overview{
		TotalBalance:  TotalBalance(wallets),
		Income:        income,
		Expense:       expense,
		TopCategories: TopCategories(entries, 4),
		LastSevenDays: LastSevenDays(entries, now),
		Recent:        sorted,
	}
}
