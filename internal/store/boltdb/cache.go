package boltdb

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"conclave/client/internal/loader"
)

const keyCacheEntries = "entries"

// SaveCacheEntries persists the cache contents as a single ordered blob.
// Insertion order drives eviction, so it must survive the round trip; bolt
// iterates keys lexicographically, which would lose it.
func (s *Store) SaveCacheEntries(entries []loader.Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal cache entries: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		if bucket == nil {
			return fmt.Errorf("cache bucket not found")
		}
		if err := bucket.Put([]byte(keyCacheEntries), data); err != nil {
			return fmt.Errorf("save cache entries: %w", err)
		}
		return nil
	})
}

// LoadCacheEntries returns the persisted cache contents in insertion order.
func (s *Store) LoadCacheEntries() ([]loader.Entry, error) {
	var entries []loader.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		if bucket == nil {
			return fmt.Errorf("cache bucket not found")
		}
		data := bucket.Get([]byte(keyCacheEntries))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("unmarshal cache entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load cache entries: %w", err)
	}
	return entries, nil
}
