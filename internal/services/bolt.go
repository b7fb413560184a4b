package services

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/OmChillure/aigen/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the UsageStore interface using a BoltDB backend. Generation counts and subscription
// flags live in two buckets keyed by user ID.
type BoltDB struct {
	db *bolt.DB
}

var (
	usageBucket         = []byte("usage")
	subscriptionsBucket = []byte("subscriptions")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(usageBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Usage returns the generation count and subscription state of userID. Unknown users have zero usage.
func (b BoltDB) Usage(_ context.Context, userID string) (models.Usage, error) {
	var u models.Usage
	err := b.db.View(func(tx *bolt.Tx) error {
		u.Count = readCount(tx.Bucket(usageBucket), []byte(userID))
		u.Pro = tx.Bucket(subscriptionsBucket).Get([]byte(userID)) != nil
		return nil
	})
	if err != nil {
		return models.Usage{}, fmt.Errorf("failed to read usage: %w", err)
	}
	return u, nil
}

// Reserve claims one generation for userID unless a non-pro user has already used limit of them. The check
// and the claim run in one transaction, so concurrent callers cannot overshoot the limit. Pro users are
// granted without being counted.
func (b BoltDB) Reserve(_ context.Context, userID string, limit int) (models.Usage, bool, error) {
	var (
		u       models.Usage
		granted bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		key := []byte(userID)
		bk := tx.Bucket(usageBucket)

		u.Count = readCount(bk, key)
		u.Pro = tx.Bucket(subscriptionsBucket).Get(key) != nil
		if u.Pro {
			granted = true
			return nil
		}
		if u.Exhausted(limit) {
			return nil
		}

		u.Count++
		granted = true
		return writeCount(bk, key, u.Count)
	})
	if err != nil {
		return models.Usage{}, false, fmt.Errorf("failed to reserve usage: %w", err)
	}
	return u, granted, nil
}

// Release gives back one generation claimed by Reserve. Counts never drop below zero.
func (b BoltDB) Release(_ context.Context, userID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		key := []byte(userID)
		bk := tx.Bucket(usageBucket)

		count := readCount(bk, key)
		if count == 0 {
			return nil
		}
		return writeCount(bk, key, count-1)
	})
}

func readCount(bk *bolt.Bucket, key []byte) int {
	v := bk.Get(key)
	if v == nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}

func writeCount(bk *bolt.Bucket, key []byte, count int) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	if err := bk.Put(key, buf); err != nil {
		return fmt.Errorf("failed to store usage: %w", err)
	}
	return nil
}

// SetPro marks or unmarks userID as a subscribed user.
func (b BoltDB) SetPro(_ context.Context, userID string, pro bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(subscriptionsBucket)
		if !pro {
			return bk.Delete([]byte(userID))
		}
		return bk.Put([]byte(userID), []byte{1})
	})
}
