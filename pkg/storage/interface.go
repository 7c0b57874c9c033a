package storage

import (
	"github.com/Sriram-PR/vx-mirror/pkg/models"
)

// Ledger records which frontier nodes have been claimed during the current run
type Ledger interface {
	// Claim atomically marks identity as claimed.
	// Returns true if this call claimed it, false if it was already claimed
	Claim(identity string) (bool, error)

	// Seen reports whether identity is already claimed, without claiming it
	Seen(identity string) bool

	// Count returns the number of claimed identities
	Count() int
}

// TransferJournal records the outcome of every file transfer attempted in a run
type TransferJournal interface {
	// RecordTransfer stores (or overwrites) the entry for a source URL
	RecordTransfer(sourceURL string, entry models.TransferEntry) error

	// Failed returns every transfer whose latest entry is a failure, ordered by URL
	Failed() ([]models.FailedTransfer, error)

	// WriteJournal writes one line per recorded transfer to filePath
	WriteJournal(filePath string) error
}

// Store combines the ledger and journal with lifecycle management
type Store interface {
	Ledger
	TransferJournal

	// Close cleanly releases the store
	Close() error
}
