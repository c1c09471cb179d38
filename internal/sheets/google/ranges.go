package google

import (
	"fmt"
	"strings"

	"finet/internal/core"
	ports "finet/internal/sheets"
)

// Sheet titles are limited to 100 characters and may not contain these.
const (
	maxTabTitle    = 100
	forbiddenInTab = `[]*?:/\`
)

// tabName returns "<base> - <wallet name>", falling back to the wallet id
// when the name sanitizes to nothing.
func tabName(base string, w core.Wallet) string {
	name := sanitizeTab(w.Name)
	if name == "" {
		name = sanitizeTab(w.ID)
	}
	base = sanitizeTab(base)
	title := name
	if base != "" {
		title = base + " - " + name
	}
	if len(title) > maxTabTitle {
		title = strings.TrimSpace(title[:maxTabTitle])
	}
	return title
}

func sanitizeTab(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenInTab, r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// quoteTab quotes a tab title for A1 notation.
func quoteTab(tab string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'"
}

// column returns the A1 letter of a 1-based column index.
func column(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

// rowRange returns the A1 range covering rows first..last of every ledger column.
func rowRange(tab string, first, last int) string {
	return fmt.Sprintf("%s!A%d:%s%d", quoteTab(tab), first, column(ports.Columns), last)
}
