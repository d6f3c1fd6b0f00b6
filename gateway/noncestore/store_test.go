package noncestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testBase = time.UnixMilli(1700000000000).UTC()

const testTTL = 5 * time.Minute

func reserveAt(t *testing.T, store Store, nonce string, at time.Time) Outcome {
	t.Helper()
	outcome, err := store.Reserve(context.Background(), Record{Nonce: nonce, ReservedAt: at, SourceAddress: "203.0.113.7"}, testTTL)
	require.NoError(t, err)
	return outcome
}

// exerciseStore runs the behaviour every clock-driven backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()

	require.Equal(t, Reserved, reserveAt(t, store, "nonce-alpha-000001", testBase))
	require.Equal(t, AlreadyReserved, reserveAt(t, store, "nonce-alpha-000001", testBase))
	require.Equal(t, AlreadyReserved, reserveAt(t, store, "nonce-alpha-000001", testBase.Add(testTTL-time.Millisecond)))
	require.Equal(t, Reserved, reserveAt(t, store, "nonce-bravo-000002", testBase))

	// An expired record never blocks a new reservation of the same value.
	require.Equal(t, ReservedAfterExpiry, reserveAt(t, store, "nonce-alpha-000001", testBase.Add(testTTL)))
	require.Equal(t, AlreadyReserved, reserveAt(t, store, "nonce-alpha-000001", testBase.Add(testTTL+time.Second)))

	_, err := store.Reserve(context.Background(), Record{}, testTTL)
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = store.Reserve(context.Background(), Record{Nonce: "nonce-charlie-0003"}, 0)
	require.ErrorIs(t, err, ErrUnavailable)

	if sweeper, ok := store.(Sweeper); ok {
		// bravo expired at base+ttl; alpha was re-reserved at base+ttl.
		removed, err := sweeper.Sweep(context.Background(), testBase.Add(testTTL))
		require.NoError(t, err)
		require.Equal(t, 1, removed)
		require.Equal(t, Reserved, reserveAt(t, store, "nonce-bravo-000002", testBase.Add(testTTL)))
	}
}

// raceStore fires workers concurrent reservations of one nonce per round.
func raceStore(t *testing.T, store Store, rounds, workers int) {
	t.Helper()
	for round := 0; round < rounds; round++ {
		nonce := fmt.Sprintf("race-%04d-%s", round, "0123456789abcdef")
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			failed  atomic.Int32
			start   = make(chan struct{})
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				outcome, err := store.Reserve(context.Background(), Record{Nonce: nonce, ReservedAt: testBase}, testTTL)
				if err != nil {
					failed.Add(1)
					return
				}
				if outcome.Accepted() {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Zero(t, failed.Load(), "round %d", round)
		require.EqualValues(t, 1, winners.Load(), "round %d", round)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory(0)
	exerciseStore(t, store)

	rec, ok := store.Lookup("nonce-alpha-000001", testBase.Add(testTTL))
	require.True(t, ok)
	require.Equal(t, testBase.Add(2*testTTL), rec.ExpiresAt)
	_, ok = store.Lookup("nonce-alpha-000001", testBase.Add(2*testTTL))
	require.False(t, ok)
}

func TestMemoryStoreFailsClosedWhenFull(t *testing.T) {
	store := NewMemory(2)
	require.Equal(t, Reserved, reserveAt(t, store, "nonce-0000000001", testBase))
	require.Equal(t, Reserved, reserveAt(t, store, "nonce-0000000002", testBase))

	_, err := store.Reserve(context.Background(), Record{Nonce: "nonce-0000000003", ReservedAt: testBase}, testTTL)
	require.ErrorIs(t, err, ErrStoreFull)
	require.ErrorIs(t, err, ErrUnavailable)

	// Live nonces are never evicted to make room.
	require.Equal(t, AlreadyReserved, reserveAt(t, store, "nonce-0000000001", testBase))

	// Once the window passes, expired records are dropped on demand.
	require.Equal(t, Reserved, reserveAt(t, store, "nonce-0000000003", testBase.Add(testTTL)))
	require.Equal(t, 1, store.Len())
}

func TestMemoryStoreFullSweepIsThrottled(t *testing.T) {
	store := NewMemory(1)
	_, err := store.Reserve(context.Background(), Record{Nonce: "nonce-short-lived-1", ReservedAt: testBase}, 100*time.Millisecond)
	require.NoError(t, err)

	// The first refusal sweeps, but the record is still live.
	_, err = store.Reserve(context.Background(), Record{Nonce: "nonce-0000000002", ReservedAt: testBase.Add(50 * time.Millisecond)}, testTTL)
	require.ErrorIs(t, err, ErrStoreFull)

	// Expired now, but a second sweep within the interval is skipped.
	_, err = store.Reserve(context.Background(), Record{Nonce: "nonce-0000000003", ReservedAt: testBase.Add(150 * time.Millisecond)}, testTTL)
	require.ErrorIs(t, err, ErrStoreFull)
	require.Equal(t, 1, store.Len())

	outcome, err := store.Reserve(context.Background(), Record{Nonce: "nonce-0000000004", ReservedAt: testBase.Add(1100 * time.Millisecond)}, testTTL)
	require.NoError(t, err)
	require.Equal(t, Reserved, outcome)
	require.Equal(t, 1, store.Len())
}

func TestMemoryStoreConcurrentReserve(t *testing.T) {
	raceStore(t, NewMemory(0), 100, 16)
}

func TestLevelDBStore(t *testing.T) {
	store, err := NewLevelDB(filepath.Join(t.TempDir(), "nonces"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
	raceStore(t, store, 20, 8)
}

func TestLevelDBStorePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	store, err := NewLevelDB(path)
	require.NoError(t, err)
	require.Equal(t, Reserved, reserveAt(t, store, "persisted-nonce-0001", testBase))
	require.NoError(t, store.Close())

	reopened, err := NewLevelDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	require.Equal(t, AlreadyReserved, reserveAt(t, reopened, "persisted-nonce-0001", testBase.Add(time.Minute)))
}

func TestLevelDBRequiresPath(t *testing.T) {
	_, err := NewLevelDB("  ")
	require.Error(t, err)

	var unset *LevelDB
	_, err = unset.Reserve(context.Background(), Record{Nonce: "x"}, testTTL)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBoltStore(t *testing.T) {
	store, err := NewBolt(filepath.Join(t.TempDir(), "nonces.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
	raceStore(t, store, 20, 8)
}

func TestBoltStoreCancelledContext(t *testing.T) {
	store, err := NewBolt(filepath.Join(t.TempDir(), "nonces.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Reserve(ctx, Record{Nonce: "cancelled-nonce-01", ReservedAt: testBase}, testTTL)
	require.ErrorIs(t, err, ErrUnavailable)
	require.True(t, errors.Is(err, ErrUnavailable))
}

func openSQLiteStore(t *testing.T) *SQL {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "nonces.sqlite")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := NewSQL(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStore(t *testing.T) {
	store := openSQLiteStore(t)
	exerciseStore(t, store)

	var row UsedNonce
	require.NoError(t, store.db.First(&row, "nonce = ?", "nonce-alpha-000001").Error)
	require.Equal(t, "203.0.113.7", row.SourceAddress)
	require.Equal(t, testBase.Add(2*testTTL).UnixMilli(), row.ExpiresAtMs)
}

func TestSQLStoreConcurrentReserve(t *testing.T) {
	raceStore(t, openSQLiteStore(t), 20, 8)
}

func TestNewSQLRequiresHandle(t *testing.T) {
	_, err := NewSQL(nil)
	require.Error(t, err)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mem, err := Open(ctx, Options{})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, mem)

	ldb, err := Open(ctx, Options{Backend: "LevelDB", Path: filepath.Join(dir, "ldb")})
	require.NoError(t, err)
	require.IsType(t, &LevelDB{}, ldb)
	require.NoError(t, ldb.Close())

	bdb, err := Open(ctx, Options{Backend: BackendBolt, Path: filepath.Join(dir, "bolt.db")})
	require.NoError(t, err)
	require.IsType(t, &Bolt{}, bdb)
	require.NoError(t, bdb.Close())

	sdb, err := Open(ctx, Options{Backend: BackendSQLite, Path: filepath.Join(dir, "nonces.sqlite")})
	require.NoError(t, err)
	require.IsType(t, &SQL{}, sdb)
	require.NoError(t, sdb.Close())

	_, err = Open(ctx, Options{Backend: "etcd"})
	require.Error(t, err)
}

func TestOutcome(t *testing.T) {
	require.True(t, Reserved.Accepted())
	require.True(t, ReservedAfterExpiry.Accepted())
	require.False(t, AlreadyReserved.Accepted())
	require.False(t, Outcome(0).Accepted())
	require.Equal(t, "already_reserved", AlreadyReserved.String())
	require.Equal(t, "unknown", Outcome(0).String())
}
