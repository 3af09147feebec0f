package ratelimit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// MemoryStore keeps the request logs in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

func (s *MemoryStore) Update(key string, fn func(hits []time.Time) []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := fn(s.hits[key])
	if len(kept) == 0 {
		delete(s.hits, key)
		return nil
	}
	s.hits[key] = kept
	return nil
}

// BoltStore persists the request logs in a bbolt bucket so that limits
// survive restarts.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates the rate limit bucket if needed.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	if db == nil {
		panic("you must provide a bolt database")
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Update(key string, fn func(hits []time.Time) []time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		var hits []time.Time
		if v := bucket.Get([]byte(key)); v != nil {
			if err := json.Unmarshal(v, &hits); err != nil {
				// a corrupt entry restarts the window
				hits = nil
			}
		}
		kept := fn(hits)
		if len(kept) == 0 {
			return bucket.Delete([]byte(key))
		}
		data, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}
