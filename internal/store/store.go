package store

import (
	"errors"

	"mast-console/internal/mast"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Active device endpoint
	GetEndpoint() (mast.Endpoint, error)
	SaveEndpoint(ep mast.Endpoint) error

	// EnsureEndpoint returns the stored endpoint, saving and returning def
	// when none has been stored yet.
	EnsureEndpoint(def mast.Endpoint) (mast.Endpoint, error)

	// Command journal, newest first. A limit <= 0 returns every entry.
	AppendJournal(entry *JournalEntry) error
	ListJournal(limit int) ([]*JournalEntry, error)

	// Last calibration log capture
	SaveCapture(c *Capture) error
	GetCapture() (*Capture, error)

	// Close the store
	Close() error
}
