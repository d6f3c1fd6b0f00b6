package noncestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix  = "nonce:"
	expiryKeyPrefix = "expiry:"
)

// LevelDB persists reservations on local disk so a restarted gateway keeps
// rejecting replays. LevelDB allows one process per database, so a store mutex
// makes the read and the batch write a single atomic step.
type LevelDB struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve implements Store.
func (s *LevelDB) Reserve(ctx context.Context, rec Record, ttl time.Duration) (Outcome, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("%w: leveldb store not configured", ErrUnavailable)
	}
	rec, err := prepare(rec, ttl)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, unavailable("reserve", err)
	}
	key := []byte(nonceKeyPrefix + rec.Nonce)

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	outcome := Reserved
	raw, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, unavailable("load nonce", err)
	default:
		var existing Record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return 0, unavailable("decode nonce", err)
		}
		if existing.Live(rec.ReservedAt) {
			return AlreadyReserved, nil
		}
		batch.Delete([]byte(expiryKey(existing.ExpiresAt, existing.Nonce)))
		outcome = ReservedAfterExpiry
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return 0, unavailable("encode nonce", err)
	}
	batch.Put(key, encoded)
	batch.Put([]byte(expiryKey(rec.ExpiresAt, rec.Nonce)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return 0, unavailable("record nonce", err)
	}
	return outcome, nil
}

// Sweep deletes records that expired at or before now.
func (s *LevelDB) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("%w: leveldb store not configured", ErrUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Index keys sort by expiry; everything up to and including now is stale.
	limit := []byte(expiryKey(now.Add(time.Nanosecond), ""))
	iter := s.db.NewIterator(&util.Range{Start: []byte(expiryKeyPrefix), Limit: limit}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		nonce, ok := parseExpiryKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + nonce))
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, unavailable("iterate expiry index", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, unavailable("prune nonces", err)
		}
	}
	return removed, nil
}

func expiryKey(expiresAt time.Time, nonce string) string {
	return fmt.Sprintf("%s%020d:%s", expiryKeyPrefix, expiresAt.UTC().UnixNano(), nonce)
}

func parseExpiryKey(key []byte) (string, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", false
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return "", false
	}
	return parts[2], true
}
