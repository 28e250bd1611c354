package boltdb

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"conclave/client/internal/queue"
)

// SavePendingActions replaces the stored pending set with the given actions.
// The whole set is rewritten in one transaction so a crash never leaves a mix
// of old and new entries.
func (s *Store) SavePendingActions(actions []queue.Action) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketActions); err != nil {
			return fmt.Errorf("delete actions bucket: %w", err)
		}
		bucket, err := tx.CreateBucket(bucketActions)
		if err != nil {
			return fmt.Errorf("recreate actions bucket: %w", err)
		}
		for _, action := range actions {
			if action.ID == "" {
				continue
			}
			data, err := json.Marshal(action)
			if err != nil {
				return fmt.Errorf("marshal action %s: %w", action.ID, err)
			}
			if err := bucket.Put([]byte(action.ID), data); err != nil {
				return fmt.Errorf("save action %s: %w", action.ID, err)
			}
		}
		return nil
	})
}

// LoadPendingActions returns the persisted pending actions. Ordering is
// restored by the queue from CreatedAt, so iteration order here is irrelevant.
func (s *Store) LoadPendingActions() ([]queue.Action, error) {
	var actions []queue.Action
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketActions)
		if bucket == nil {
			return fmt.Errorf("actions bucket not found")
		}
		return bucket.ForEach(func(_, value []byte) error {
			var action queue.Action
			if err := json.Unmarshal(value, &action); err != nil {
				return fmt.Errorf("unmarshal action: %w", err)
			}
			actions = append(actions, action)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load pending actions: %w", err)
	}
	return actions, nil
}
