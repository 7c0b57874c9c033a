package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/vx-mirror/pkg/log"
	"github.com/Sriram-PR/vx-mirror/pkg/models"
	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

const (
	claimKeyPrefix    = "claim:"    // Prefix for claimed node identities
	transferKeyPrefix = "xfer:"     // Prefix for transfer journal entries
	ledgerDBDir       = "ledger_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements Store on disk using BadgerDB.
// The database is wiped when opened; claims never carry over between runs.
type BadgerStore struct {
	db         *badger.DB
	log        *logrus.Entry
	claimCount atomic.Int64 // Cached claim count for O(1) Count
}

// NewBadgerStore removes any previous database for siteKey under stateDir and opens a fresh one
func NewBadgerStore(stateDir, siteKey string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	dbPath := filepath.Join(stateDir, utils.SanitizeFilename(siteKey)+"_"+ledgerDBDir)
	if err := os.RemoveAll(dbPath); err != nil {
		// Badger may still open over leftovers, so keep going
		logger.Errorf("Failed to remove previous ledger directory %s: %v", dbPath, err)
	}

	logger.Infof("Initializing claim ledger database at: %s", dbPath)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}
	return store, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Claim implements Ledger with a transactional get-or-set
func (s *BadgerStore) Claim(identity string) (bool, error) {
	claimed := false
	key := []byte(claimKeyPrefix + identity)

	err := s.dbUpdate(func(txn *badger.Txn) error {
		claimed = false // reset for conflict retries
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			if errSet := txn.SetEntry(badger.NewEntry(key, []byte{})); errSet != nil {
				return errSet
			}
			claimed = true
			return nil
		}
		return errGet
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in Claim: %v", err)
		return false, fmt.Errorf("%w: claiming '%s': %w", utils.ErrDatabase, identity, err)
	}
	if claimed {
		s.claimCount.Add(1)
	}
	return claimed, nil
}

// Seen implements Ledger. Read errors count as not seen; Claim remains the authority.
func (s *BadgerStore) Seen(identity string) bool {
	key := []byte(claimKeyPrefix + identity)
	err := s.db.View(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		return errGet
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		s.log.Debugf("DB View error in Seen for '%s': %v", identity, err)
	}
	return err == nil
}

// Count implements Ledger
func (s *BadgerStore) Count() int {
	return int(s.claimCount.Load())
}

// RecordTransfer implements TransferJournal
func (s *BadgerStore) RecordTransfer(sourceURL string, entry models.TransferEntry) error {
	key := []byte(transferKeyPrefix + sourceURL)
	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal TransferEntry for '%s': %w", utils.ErrParsing, sourceURL, errJson)
	}

	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in RecordTransfer: %v", err)
		return fmt.Errorf("%w: failed recording transfer for '%s': %w", utils.ErrDatabase, sourceURL, err)
	}
	return nil
}

// scanTransfers calls fn for every journal entry in key order
func (s *BadgerStore) scanTransfers(fn func(sourceURL string, entry models.TransferEntry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(transferKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			sourceURL := string(bytes.TrimPrefix(item.KeyCopy(nil), prefix))

			var entry models.TransferEntry
			errValue := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if errValue != nil {
				s.log.Warnf("Skipping undecodable journal entry for '%s': %v", sourceURL, errValue)
				continue
			}
			if err := fn(sourceURL, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Failed implements TransferJournal
func (s *BadgerStore) Failed() ([]models.FailedTransfer, error) {
	var failed []models.FailedTransfer
	err := s.scanTransfers(func(sourceURL string, entry models.TransferEntry) error {
		if entry.Status == models.TransferStatusFailure {
			failed = append(failed, models.FailedTransfer{URL: sourceURL, TransferEntry: entry})
		}
		return nil
	})
	if err != nil {
		return failed, fmt.Errorf("%w: scanning transfer journal: %w", utils.ErrDatabase, err)
	}
	return failed, nil
}

// WriteJournal implements TransferJournal
func (s *BadgerStore) WriteJournal(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create transfer journal '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	written := 0
	iterErr := s.scanTransfers(func(sourceURL string, entry models.TransferEntry) error {
		if _, err := writer.WriteString(journalLine(sourceURL, entry)); err != nil {
			return err
		}
		written++
		if written%5000 == 0 {
			return writer.Flush()
		}
		return nil
	})
	if iterErr != nil {
		return fmt.Errorf("%w: writing transfer journal: %w", utils.ErrFilesystem, iterErr)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("%w: flushing transfer journal: %w", utils.ErrFilesystem, err)
	}
	s.log.Infof("Wrote %d transfer entries to %s", written, filePath)
	return file.Sync()
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx is done.
// Should be run in a goroutine.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close implements Store
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing ledger DB...")
		return s.db.Close()
	}
	return nil
}
