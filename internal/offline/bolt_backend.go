package offline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltSlotBucket = "slots"

// BoltBackend stores slots in a single bbolt file, the durable-local default.
type BoltBackend struct {
	db     *bolt.DB
	bucket []byte
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	b := &BoltBackend{db: db, bucket: []byte(boltSlotBucket)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BoltBackend) Load(slot string) ([]byte, error) {
	if !validSlot(slot) {
		return nil, fmt.Errorf("%w: slot %q", ErrInvalidInput, slot)
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(slot)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	return out, err
}

func (b *BoltBackend) Save(slot string, data []byte) error {
	if !validSlot(slot) {
		return fmt.Errorf("%w: slot %q", ErrInvalidInput, slot)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(b.bucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(slot), data)
	})
}

func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
