package sheets

import (
	"context"

	"github.com/shopspring/decimal"

	"finet/internal/core"
)

// Ports for outbound adapters.
type (
	// LedgerExporter writes a wallet and its entries to a spreadsheet tab,
	// replacing whatever the tab held before.
	LedgerExporter interface {
		Export(ctx context.Context, wallet core.Wallet, entries []core.Entry) (ref string, err error)
	}
)

// Header is the first row of every exported ledger.
var Header = []any{"Date", "Name", "Type", "Category", "Amount", "Signed", "Note"}

// Columns is the number of cells in every exported row.
const Columns = 7

// LedgerRows lays out a wallet ledger: the header, the wallet's entries
// newest first, then a row with the sum of signed contributions and a row
// with the balance cached on the wallet. The two differ when the wallet
// has drifted from its ledger.
func LedgerRows(w core.Wallet, entries []core.Entry) [][]any {
	own := core.WalletEntries(entries, w.ID)
	rows := make([][]any, 0, len(own)+3)
	rows = append(rows, Header)

	sum := decimal.Zero
	for _, e := range own {
		sum = sum.Add(e.Signed())
		rows = append(rows, []any{
			e.Date.String(),
			e.Name,
			string(e.Type),
			e.Category.Label(),
			e.Price.InexactFloat64(),
			e.Signed().InexactFloat64(),
			e.Note,
		})
	}
	rows = append(rows,
		[]any{"", "Total", "", "", "", sum.InexactFloat64(), ""},
		[]any{"", "Balance", "", "", "", w.Balance.InexactFloat64(), w.Currency},
	)
	return rows
}
