package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func entry(typ EntryType, price int64, cat Category, date Date) Entry {
	return Entry{WalletID: "w1", Name: "x", Type: typ, Price: d(price), Category: cat, Date: date}
}

func TestTotalBalance(t *testing.T) {
	wallets := []Wallet{
		{ID: "a", Balance: d(100000)},
		{ID: "b", Balance: d(-25000)},
		{ID: "c"},
	}
	assert.True(t, TotalBalance(wallets).Equal(d(75000)))
	assert.True(t, TotalBalance(nil).IsZero())
}

func TestIncomeExpenseTotals(t *testing.T) {
	today := NewDate(2025, 5, 10)
	income, expense := IncomeExpenseTotals([]Entry{
		entry(Income, 500000, "", today),
		entry(Expense, 20000, CategoryFood, today),
		entry(Expense, 30000, CategoryBills, today),
	})
	assert.True(t, income.Equal(d(500000)))
	assert.True(t, expense.Equal(d(50000)))
}

func TestCategoryTotals(t *testing.T) {
	today := NewDate(2025, 5, 10)
	got := CategoryTotals([]Entry{
		entry(Expense, 20000, CategoryFood, today),
		entry(Income, 5000, CategoryFood, today),
		entry(Expense, 10000, "", today),
	})
	require.Len(t, got, 2)
	assert.Equal(t, CategoryFood, got[0].Category)
	assert.Equal(t, "Food & Drink", got[0].Name)
	assert.True(t, got[0].Amount.Equal(d(-15000)))
	assert.Equal(t, CategoryOther, got[1].Category)
	assert.True(t, got[1].Amount.Equal(d(-10000)))
}

func TestCategoryPercent(t *testing.T) {
	assert.Equal(t, 0, CategoryPercent(decimal.Zero, decimal.Zero))
	assert.Equal(t, 0, CategoryPercent(d(500), decimal.Zero))
	assert.Equal(t, 25, CategoryPercent(d(-250), d(-1000)))
	assert.Equal(t, 33, CategoryPercent(d(1), d(3)))
	assert.Equal(t, 67, CategoryPercent(d(2), d(3)))
	assert.Equal(t, 50, CategoryPercent(d(1), d(2)))
}

func TestTopCategories(t *testing.T) {
	today := NewDate(2025, 5, 10)
	entries := []Entry{
		entry(Expense, 10000, CategoryFood, today),
		entry(Expense, 40000, CategoryBills, today),
		entry(Expense, 20000, CategoryTransport, today),
		entry(Expense, 5000, CategoryShopping, today),
		entry(Expense, 25000, "", today),
		entry(Income, 900000, "Salary", today),
	}

	top := TopCategories(entries, 4)
	require.Len(t, top, 4)
	assert.Equal(t, CategoryBills, top[0].Category)
	assert.Equal(t, 40, top[0].Percent)
	assert.Equal(t, CategoryOther, top[1].Category)
	assert.Equal(t, 25, top[1].Percent)
	assert.Equal(t, CategoryTransport, top[2].Category)
	assert.Equal(t, CategoryFood, top[3].Category)
	assert.Equal(t, 10, top[3].Percent)

	for _, c := range top {
		assert.NotEqual(t, Category("Salary"), c.Category, "income must not be ranked")
	}
}

func TestTopCategoriesNoExpenses(t *testing.T) {
	top := TopCategories([]Entry{entry(Income, 1000, "", NewDate(2025, 1, 1))}, 4)
	assert.Empty(t, top)
}

func TestLastSevenDays(t *testing.T) {
	now := time.Date(2025, 5, 10, 15, 0, 0, 0, time.Local)
	today := DateOf(now)
	day := func(offset int) Date { return DateOf(today.AddDate(0, 0, offset)) }

	s := LastSevenDays([]Entry{
		entry(Expense, 1000, "", day(0)),
		entry(Expense, 500, "", day(0)),
		entry(Expense, 2000, "", day(-6)),
		entry(Expense, 4000, "", day(-7)),
		entry(Expense, 8000, "", day(1)),
		entry(Income, 3000, "", day(-1)),
		entry(Expense, 700, "", day(-3)),
	}, now)

	assert.True(t, s.Amounts[6].Equal(d(1500)), "today lands in the last bucket")
	assert.True(t, s.Amounts[0].Equal(d(2000)), "six days ago lands in the first bucket")
	assert.True(t, s.Amounts[3].Equal(d(700)))
	assert.True(t, s.Amounts[5].IsZero(), "income is not spending")

	total := decimal.Zero
	for _, a := range s.Amounts {
		total = total.Add(a)
	}
	assert.True(t, total.Equal(d(4200)), "older and future entries are excluded")
	assert.True(t, s.Days[6].Equal(today.Time))
	assert.True(t, s.Days[0].Equal(day(-6).Time))
}

func TestLastSevenDaysFromAPIDate(t *testing.T) {
	now := time.Date(2025, 5, 10, 0, 30, 0, 0, time.Local)
	date, err := ParseDate("2025-05-10T00:00:00.000Z")
	require.NoError(t, err)

	s := LastSevenDays([]Entry{entry(Expense, 1000, "", date)}, now)
	assert.True(t, s.Amounts[6].Equal(d(1000)))
}

func TestWalletEntries(t *testing.T) {
	entries := []Entry{
		{ID: "1", WalletID: "w1", Date: NewDate(2025, 1, 1)},
		{ID: "2", WalletID: "w2", Date: NewDate(2025, 1, 3)},
		{ID: "3", WalletID: "w1", Date: NewDate(2025, 1, 5)},
		{ID: "4", WalletID: "w1", Date: NewDate(2025, 1, 2)},
	}
	got := WalletEntries(entries, "w1")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"3", "4", "1"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestSummarize(t *testing.T) {
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.Local)
	today := DateOf(now)
	wallets := []Wallet{{ID: "w1", Balance: d(100000)}, {ID: "w2", Balance: d(50000)}}
	entries := []Entry{
		entry(Expense, 10000, CategoryFood, today),
		entry(Income, 60000, "", DateOf(today.AddDate(0, 0, -2))),
		entry(Expense, 5000, CategoryBills, DateOf(today.AddDate(0, 0, -1))),
	}

	o := Summarize(wallets, entries, now, 2)
	assert.True(t, o.TotalBalance.Equal(d(150000)))
	assert.True(t, o.Income.Equal(d(60000)))
	assert.True(t, o.Expense.Equal(d(15000)))
	require.Len(t, o.Recent, 2)
	assert.True(t, o.Recent[0].Date.Equal(today.Time))
	require.Len(t, o.TopCategories, 2)
	assert.Equal(t, 67, o.TopCategories[0].Percent)
}
