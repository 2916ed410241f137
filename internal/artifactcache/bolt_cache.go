package artifactcache

import (
	"bytes"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"
)

// bucketArtifacts holds one serialized container per key.
var bucketArtifacts = []byte("artifacts")

// BoltCache is a Cache backed by a single bbolt database file. Unlike the
// file cache it keeps all entries in one file, which suits embedders that
// already manage a data directory and want crash-safe writes.
type BoltCache struct {
	db *bolt.DB
}

// NewBoltCache opens the database at path, creating it if needed. The
// returned cache holds the file lock until Close.
func NewBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketArtifacts, err)
	}
	return &BoltCache{db: db}, nil
}

// Get implements the same method as documented on Cache.
func (c *BoltCache) Get(key Key) (content io.ReadCloser, ok bool, err error) {
	var cp []byte
	err = c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketArtifacts).Get(key[:]); v != nil {
			// The slice is only valid inside the transaction.
			cp = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || cp == nil {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(cp)), true, nil
}

// Add implements the same method as documented on Cache.
func (c *BoltCache) Add(key Key, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put(key[:], data)
	})
}

// Delete implements the same method as documented on Cache.
func (c *BoltCache) Delete(key Key) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete(key[:])
	})
}

// Close releases the database file lock. The cache must not be used after.
func (c *BoltCache) Close() error {
	return c.db.Close()
}
