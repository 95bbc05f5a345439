// Package staging records which device staging files and local mirror files
// the chunk cache has produced, so they can be cleaned after a crash.
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// ErrLocked is returned when another process holds the ledger.
var ErrLocked = errors.New("staging ledger is in use by another adbfs process")

// Entry describes the scratch state of one chunk window.
type Entry struct {
	Remote   string    `json:"remote"`
	Staging  string    `json:"staging"`
	Local    string    `json:"local"`
	Offset   int64     `json:"offset"`
	Length   int64     `json:"length"`
	StagedAt time.Time `json:"staged_at"`
}

// Config configures the ledger.
type Config struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// Ledger persists Entries in BoltDB keyed by remote path. Holding the file
// lock also keeps a second mount from sharing the same cache root.
type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the ledger at cfg.Path.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("staging: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("staging: open %s: %w", cfg.Path, ErrLocked)
		}
		return nil, fmt.Errorf("staging: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("staging: create bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record stores e, replacing any previous entry for e.Remote.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(e.Remote), data)
	})
}

// Get returns the entry for remote.
func (l *Ledger) Get(ctx context.Context, remote string) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(remote))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	return e, found, err
}

// List returns every entry ordered by remote path.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Delete removes the entry for remote if present.
func (l *Ledger) Delete(ctx context.Context, remote string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(remote))
	})
}

// Clear removes every entry.
func (l *Ledger) Clear(ctx context.Context) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
}

// Close releases the database and its file lock.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
