package noncestore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsedNonce is the persisted reservation row. The primary key on Nonce is the
// uniqueness constraint that makes concurrent inserts safe.
type UsedNonce struct {
	Nonce         string `gorm:"primaryKey;size:256"`
	ReservedAtMs  int64  `gorm:"not null"`
	ExpiresAtMs   int64  `gorm:"not null;index"`
	SourceAddress string `gorm:"size:128"`
	AgentString   string `gorm:"size:512"`
}

// TableName pins the table name independent of gorm naming strategy.
func (UsedNonce) TableName() string { return "used_nonces" }

// SQL reserves nonces in a relational database: Postgres for shared
// deployments, SQLite for single nodes and tests.
type SQL struct {
	db *gorm.DB
}

// NewSQL migrates the schema and returns the store.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if db == nil {
		return nil, fmt.Errorf("sql nonce store requires a database handle")
	}
	if err := db.AutoMigrate(&UsedNonce{}); err != nil {
		return nil, fmt.Errorf("migrate used_nonces: %w", err)
	}
	return &SQL{db: db}, nil
}

// Reserve implements Store. The insert ignores conflicts; when it loses, a
// conditional update claims the row only if it has expired. Each step is a
// single statement, so two racing callers cannot both succeed.
func (s *SQL) Reserve(ctx context.Context, rec Record, ttl time.Duration) (Outcome, error) {
	rec, err := prepare(rec, ttl)
	if err != nil {
		return 0, err
	}
	row := UsedNonce{
		Nonce:         rec.Nonce,
		ReservedAtMs:  rec.ReservedAt.UnixMilli(),
		ExpiresAtMs:   rec.ExpiresAt.UnixMilli(),
		SourceAddress: rec.SourceAddress,
		AgentString:   rec.AgentString,
	}
	db := s.db.WithContext(ctx)
	insert := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if insert.Error != nil {
		return 0, unavailable("insert nonce", insert.Error)
	}
	if insert.RowsAffected == 1 {
		return Reserved, nil
	}
	update := db.Model(&UsedNonce{}).
		Where("nonce = ? AND expires_at_ms <= ?", row.Nonce, row.ReservedAtMs).
		Updates(map[string]any{
			"reserved_at_ms": row.ReservedAtMs,
			"expires_at_ms":  row.ExpiresAtMs,
			"source_address": row.SourceAddress,
			"agent_string":   row.AgentString,
		})
	if update.Error != nil {
		return 0, unavailable("reclaim expired nonce", update.Error)
	}
	if update.RowsAffected == 1 {
		return ReservedAfterExpiry, nil
	}
	return AlreadyReserved, nil
}

// Sweep deletes rows that expired at or before now.
func (s *SQL) Sweep(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at_ms <= ?", now.UnixMilli()).Delete(&UsedNonce{})
	if res.Error != nil {
		return 0, unavailable("sweep", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Close closes the connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
