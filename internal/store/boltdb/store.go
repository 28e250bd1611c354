package boltdb

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketActions = []byte("actions")
	bucketCache   = []byte("cache")
	bucketMeta    = []byte("meta")
)

// Store persists the offline state that must survive a restart: pending
// actions, cached payloads, and the last sync time. Connection status,
// unresolved conflicts, and loading progress are session state and are
// deliberately never written here.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database file and ensures the buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}
	return store, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketActions, bucketCache, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// ClearAll wipes every bucket. Used on logout.
func (s *Store) ClearAll() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketActions, bucketCache, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("delete %s bucket: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreate %s bucket: %w", name, err)
			}
		}
		return nil
	})
}
