package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"bespoke/pkg/storage"
	"bespoke/pkg/types"
)

const exchangesBucket = "exchanges"

// BBoltStorage is an exchange log that uses bbolt. Records live in one nested
// bucket per node, keyed by their time-ordered id.
type BBoltStorage struct {
	db *bolt.DB
}

var _ storage.ExchangeLog = (*BBoltStorage)(nil)

// NewBBoltStorage creates a new BBoltStorage.
func NewBBoltStorage(path string) (*BBoltStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(exchangesBucket))
		return err
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BBoltStorage{db: db}, nil
}

// Record stores rec, assigning an id if it has none.
func (s *BBoltStorage) Record(_ context.Context, rec *types.ExchangeRecord) error {
	if rec.NodeID == "" {
		return fmt.Errorf("exchange record without node id")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate record id: %w", err)
		}
		rec.ID = id.String()
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(exchangesBucket))
		b, err := root.CreateBucketIfNotExists([]byte(rec.NodeID))
		if err != nil {
			return fmt.Errorf("failed to create bucket for node %s: %w", rec.NodeID, err)
		}
		return b.Put([]byte(rec.ID), val)
	})
}

// List returns up to limit records for nodeID, newest first.
func (s *BBoltStorage) List(_ context.Context, nodeID string, limit int) ([]*types.ExchangeRecord, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	var records []*types.ExchangeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(exchangesBucket)).Bucket([]byte(nodeID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec types.ExchangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			records = append(records, &rec)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database.
func (s *BBoltStorage) Close() error {
	return s.db.Close()
}
