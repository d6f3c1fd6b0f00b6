package noncestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Path     string
	DSN      string
	Capacity int
	Redis    RedisOptions
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemory(opts.Capacity), nil
	case BackendLevelDB:
		return NewLevelDB(opts.Path)
	case BackendBolt:
		return NewBolt(opts.Path, nil)
	case BackendRedis:
		return NewRedis(ctx, opts.Redis)
	case BackendPostgres:
		return openGorm(postgres.Open(opts.DSN))
	case BackendSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = opts.Path
		}
		return openGorm(sqlite.Open(dsn))
	default:
		return nil, fmt.Errorf("unknown nonce store backend %q", opts.Backend)
	}
}

func openGorm(dialector gorm.Dialector) (Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open nonce database: %w", err)
	}
	return NewSQL(db)
}
