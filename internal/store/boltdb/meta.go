package boltdb

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

const keyLastSyncTime = "last_sync_time"

// SaveLastSyncTime stores the server timestamp of the last applied snapshot.
func (s *Store) SaveLastSyncTime(timestamp int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}
		value := make([]byte, 8)
		binary.BigEndian.PutUint64(value, uint64(timestamp))
		if err := bucket.Put([]byte(keyLastSyncTime), value); err != nil {
			return fmt.Errorf("save last sync time: %w", err)
		}
		return nil
	})
}

// LastSyncTime returns the stored timestamp, or 0 before the first sync.
func (s *Store) LastSyncTime() (int64, error) {
	var timestamp int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}
		value := bucket.Get([]byte(keyLastSyncTime))
		if value == nil {
			return nil
		}
		if len(value) != 8 {
			return fmt.Errorf("last sync time has %d bytes, want 8", len(value))
		}
		timestamp = int64(binary.BigEndian.Uint64(value))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load last sync time: %w", err)
	}
	return timestamp, nil
}
