package memory

import (
	"context"
	"fmt"
	"sync"

	"finet/internal/core"
	ports "finet/internal/sheets"
)

var _ ports.LedgerExporter = (*Store)(nil)

// Store keeps exported ledgers in memory, one tab per wallet. It backs the
// export when no spreadsheet is configured.
type Store struct {
	mu      sync.Mutex
	tabs    map[string][][]any
	exports int
}

func New() *Store {
	return &Store{tabs: map[string][][]any{}}
}

// Export stores the ledger rows and returns a synthetic reference.
func (s *Store) Export(_ context.Context, w core.Wallet, entries []core.Entry) (string, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}
	rows := ports.LedgerRows(w, entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs[w.ID] = rows
	s.exports++
	return fmt.Sprintf("mem:%s:%d", w.ID, len(rows)), nil
}

// Rows returns a copy of the last ledger exported for walletID.
func (s *Store) Rows(walletID string) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tabs[walletID]
	if !ok {
		return nil
	}
	return append([][]any(nil), rows...)
}

// Exports counts the exports performed so far.
func (s *Store) Exports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exports
}
