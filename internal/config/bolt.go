package config

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSettings = []byte("settings")
	keySettings    = []byte("document")
)

// BoltStore implements Store using a single BoltDB bucket/key holding the
// whole Settings document as one JSON blob, so every write is the atomic
// whole-document rewrite the settings store requires.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the BoltDB database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load() (*Settings, error) {
	settings := Defaults()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data := b.Get(keySettings)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *BoltStore) Update(fn func(*Settings) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}

		settings := Defaults()
		if data := b.Get(keySettings); data != nil {
			if err := json.Unmarshal(data, &settings); err != nil {
				return fmt.Errorf("decode settings: %w", err)
			}
		}

		if err := fn(&settings); err != nil {
			return err
		}

		data, err := json.Marshal(&settings)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		return b.Put(keySettings, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
