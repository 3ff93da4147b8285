// Package usage records per-key usage counters in a local bbolt database.
// Records are written fire-and-forget from the retry engine's report path
// and surfaced read-only by the management API next to the pool status.
package usage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var usageBucket = []byte("key_usage")

// Stats is the persisted counter set for one key.
type Stats struct {
	Requests  int64     `json:"requests"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
	LastUsed  time.Time `json:"last_used"`
}

// Store wraps the bbolt database. A nil *Store is a valid no-op store, used
// when no-fs suppresses filesystem writes.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the usage database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(usageBucket)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Record bumps the counters for the given key secret. Failures are logged
// and swallowed; usage accounting never fails a request.
func (s *Store) Record(key string, success bool) {
	if s == nil || s.db == nil {
		return
	}
	id := keyID(key)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(usageBucket)
		var stats Stats
		if raw := bucket.Get(id); raw != nil {
			_ = json.Unmarshal(raw, &stats)
		}
		stats.Requests++
		if success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		stats.LastUsed = time.Now()
		raw, errMarshal := json.Marshal(stats)
		if errMarshal != nil {
			return errMarshal
		}
		return bucket.Put(id, raw)
	})
	if err != nil {
		log.Errorf("usage: failed to record for key: %v", err)
	}
}

// Stats returns the counters for the given key secret.
func (s *Store) Stats(key string) (Stats, bool) {
	if s == nil || s.db == nil {
		return Stats{}, false
	}
	var stats Stats
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(usageBucket).Get(keyID(key)); raw != nil {
			found = json.Unmarshal(raw, &stats) == nil
		}
		return nil
	})
	return stats, found
}

// Close closes the underlying database.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		log.Errorf("usage: failed to close store: %v", err)
	}
}

// keyID hashes the secret so the database never stores key material.
func keyID(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(sum[:8]))
}
