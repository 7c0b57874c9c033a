package storage

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Sriram-PR/vx-mirror/pkg/models"
	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// MemoryStore keeps claims and the journal in process memory. It is the default store.
type MemoryStore struct {
	claimed sync.Map
	count   atomic.Int64

	mu        sync.Mutex
	transfers map[string]models.TransferEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[string]models.TransferEntry)}
}

// Claim implements Ledger
func (m *MemoryStore) Claim(identity string) (bool, error) {
	if _, loaded := m.claimed.LoadOrStore(identity, struct{}{}); loaded {
		return false, nil
	}
	m.count.Add(1)
	return true, nil
}

// Seen implements Ledger
func (m *MemoryStore) Seen(identity string) bool {
	_, ok := m.claimed.Load(identity)
	return ok
}

// Count implements Ledger
func (m *MemoryStore) Count() int {
	return int(m.count.Load())
}

// RecordTransfer implements TransferJournal
func (m *MemoryStore) RecordTransfer(sourceURL string, entry models.TransferEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[sourceURL] = entry
	return nil
}

// Failed implements TransferJournal
func (m *MemoryStore) Failed() ([]models.FailedTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []models.FailedTransfer
	for u, e := range m.transfers {
		if e.Status == models.TransferStatusFailure {
			failed = append(failed, models.FailedTransfer{URL: u, TransferEntry: e})
		}
	}
	slices.SortFunc(failed, func(a, b models.FailedTransfer) int { return strings.Compare(a.URL, b.URL) })
	return failed, nil
}

// WriteJournal implements TransferJournal
func (m *MemoryStore) WriteJournal(filePath string) error {
	m.mu.Lock()
	urls := make([]string, 0, len(m.transfers))
	for u := range m.transfers {
		urls = append(urls, u)
	}
	slices.Sort(urls)
	lines := make([]string, 0, len(urls))
	for _, u := range urls {
		lines = append(lines, journalLine(u, m.transfers[u]))
	}
	m.mu.Unlock()

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create transfer journal '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return fmt.Errorf("%w: write transfer journal: %w", utils.ErrFilesystem, err)
		}
	}
	return w.Flush()
}

// Close implements Store
func (m *MemoryStore) Close() error { return nil }

// journalLine renders one tab-separated journal line
func journalLine(sourceURL string, e models.TransferEntry) string {
	errType := e.ErrorType
	if errType == "" {
		errType = "-"
	}
	return fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%s\n", e.Status, e.Mode, e.Bytes, errType, sourceURL, e.DestPath)
}
