package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jmoreau/opsync/ot"
)

var (
	docsBucket = []byte("documents")
	opsBucket  = []byte("operations")
)

// BoltStore is a bbolt-backed implementation of DocumentStore for
// single-node deployments. Documents live in one bucket keyed by id; each
// document's operations live in a nested bucket keyed by zero-padded version.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(opsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Create(_ context.Context, id, content string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		if docs.Get([]byte(id)) != nil {
			return fmt.Errorf("document %q already exists", id)
		}
		now := time.Now()
		info := DocumentInfo{
			ID:        id,
			Content:   content,
			Version:   0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return putDocInfo(docs, info)
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (*DocumentInfo, error) {
	var info DocumentInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(docsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("document %q not found", id)
		}
		return json.Unmarshal(raw, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) List(_ context.Context) ([]DocumentInfo, error) {
	var result []DocumentInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(_, raw []byte) error {
			var info DocumentInfo
			if err := json.Unmarshal(raw, &info); err != nil {
				return err
			}
			result = append(result, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) UpdateContent(_ context.Context, id, content string, version int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		raw := docs.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("document %q not found", id)
		}
		var info DocumentInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return err
		}
		info.Content = content
		info.Version = version
		info.UpdatedAt = time.Now()
		return putDocInfo(docs, info)
	})
}

func (s *BoltStore) AppendOperation(_ context.Context, id string, op ot.Operation, version int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		raw := docs.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("document %q not found", id)
		}

		ops, err := tx.Bucket(opsBucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		payload, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation: %w", err)
		}
		// 0-based index, matching MemoryStore's history slice semantics.
		if err := ops.Put([]byte(zeroPad(version-1)), payload); err != nil {
			return err
		}

		var info DocumentInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return err
		}
		info.Version = version
		info.UpdatedAt = time.Now()
		return putDocInfo(docs, info)
	})
}

func (s *BoltStore) GetOperations(_ context.Context, id string, fromVersion int) ([]ot.Operation, error) {
	var result []ot.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(docsBucket).Get([]byte(id)) == nil {
			return fmt.Errorf("document %q not found", id)
		}
		ops := tx.Bucket(opsBucket).Bucket([]byte(id))
		if ops == nil {
			return nil
		}
		c := ops.Cursor()
		for k, v := c.Seek([]byte(zeroPad(fromVersion))); k != nil; k, v = c.Next() {
			var op ot.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decode operation %s: %w", k, err)
			}
			result = append(result, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func putDocInfo(b *bolt.Bucket, info DocumentInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return b.Put([]byte(info.ID), raw)
}
