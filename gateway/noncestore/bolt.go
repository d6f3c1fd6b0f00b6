package noncestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketNonces = []byte("nonces")

// Bolt persists reservations in a bbolt file. bbolt runs one read-write
// transaction at a time, so each Reserve is atomic without extra locking.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (and initialises) the bbolt file at path.
func NewBolt(path string, options *bolt.Options) (*Bolt, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open bolt nonce store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNonces)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise bolt nonce store: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close releases the database file.
func (s *Bolt) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve implements Store.
func (s *Bolt) Reserve(ctx context.Context, rec Record, ttl time.Duration) (Outcome, error) {
	rec, err := prepare(rec, ttl)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, unavailable("reserve", err)
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return 0, unavailable("encode nonce", err)
	}
	outcome := Reserved
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		key := []byte(rec.Nonce)
		if raw := bucket.Get(key); raw != nil {
			var existing Record
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode nonce: %w", err)
			}
			if existing.Live(rec.ReservedAt) {
				outcome = AlreadyReserved
				return nil
			}
			outcome = ReservedAfterExpiry
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return 0, unavailable("reserve", err)
	}
	return outcome, nil
}

// Sweep deletes expired records.
func (s *Bolt) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		var stale [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil || !rec.Live(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	return removed, nil
}
