package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"mast-console/internal/mast"
)

// DefaultJournalCap is the number of journal entries kept on disk.
const DefaultJournalCap = 500

var (
	bucketEndpoint    = []byte("endpoint")
	bucketJournal     = []byte("journal")
	bucketCalibration = []byte("calibration")
	keyActive         = []byte("active")
	keyLastCapture    = []byte("last")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db         *bolt.DB
	journalCap int
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithJournalCap overrides DefaultJournalCap.
func WithJournalCap(n int) Option {
	return func(s *BoltStore) {
		if n > 0 {
			s.journalCap = n
		}
	}
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEndpoint, bucketJournal, bucketCalibration} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, journalCap: DefaultJournalCap}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BoltStore) GetEndpoint() (mast.Endpoint, error) {
	var ep mast.Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEndpoint)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEndpoint)
		}
		data := b.Get(keyActive)
		if data == nil {
			return fmt.Errorf("endpoint: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &ep)
	})
	return ep, err
}

func (s *BoltStore) SaveEndpoint(ep mast.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEndpoint(tx, ep)
	})
}

func (s *BoltStore) EnsureEndpoint(def mast.Endpoint) (mast.Endpoint, error) {
	if err := def.Validate(); err != nil {
		return mast.Endpoint{}, err
	}
	ep := def
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEndpoint)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEndpoint)
		}
		if data := b.Get(keyActive); data != nil {
			return json.Unmarshal(data, &ep)
		}
		return putEndpoint(tx, def)
	})
	if err != nil {
		return mast.Endpoint{}, err
	}
	return ep, nil
}

func putEndpoint(tx *bolt.Tx, ep mast.Endpoint) error {
	b := tx.Bucket(bucketEndpoint)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucketEndpoint)
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return b.Put(keyActive, data)
}

// AppendJournal stores entry under the next sequence number and trims the
// oldest entries beyond the journal cap. entry.Seq is set on success.
func (s *BoltStore) AppendJournal(entry *JournalEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketJournal)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return trim(b, s.journalCap)
	})
}

// trim drops everything older than the newest n keys.
func trim(b *bolt.Bucket, n int) error {
	var stale [][]byte
	c := b.Cursor()
	kept := 0
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		if kept < n {
			kept++
			continue
		}
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) ListJournal(limit int) ([]*JournalEntry, error) {
	var entries []*JournalEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		if b == nil {
			return nil // no bucket = no entries
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e JournalEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("journal %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) SaveCapture(c *Capture) error {
	if c == nil {
		return errors.New("nil capture")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCalibration)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCalibration)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(keyLastCapture, data)
	})
}

func (s *BoltStore) GetCapture() (*Capture, error) {
	var c Capture
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCalibration)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCalibration)
		}
		data := b.Get(keyLastCapture)
		if data == nil {
			return fmt.Errorf("calibration capture: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
