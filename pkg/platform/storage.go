package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/kb-labs/runtime/pkg/errdefs"
)

// BoltStorage implements Storage using BoltDB with one bucket per plugin
// namespace.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB-backed storage adapter.
func NewBoltStorage(dataDir string) (*BoltStorage, error) {
	dbPath := filepath.Join(dataDir, "kb-storage.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func bucketFor(pluginID string) []byte {
	return []byte("plugin:" + pluginID)
}

func (s *BoltStorage) Get(_ context.Context, pluginID, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(pluginID))
		if b == nil {
			return nil
		}
		if data := b.Get([]byte(key)); data != nil {
			value = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return value, nil
}

func (s *BoltStorage) Set(_ context.Context, pluginID, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketFor(pluginID))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	return wrapStorageErr(err)
}

func (s *BoltStorage) Delete(_ context.Context, pluginID, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(pluginID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	return wrapStorageErr(err)
}

func (s *BoltStorage) List(_ context.Context, pluginID, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(pluginID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if strings.HasPrefix(string(k), prefix) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return keys, nil
}

func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	return errdefs.Wrap(err, errdefs.CodePlatform).WithDetail("service", "storage")
}
