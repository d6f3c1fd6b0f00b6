// Package noncestore enforces single use of request nonces. Every backend
// reserves a nonce with one atomic primitive; none of them checks for
// existence and inserts in separate steps.
package noncestore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome reports what Reserve did.
type Outcome int

const (
	// Reserved means the nonce had never been seen (or its record was already
	// swept) and is now consumed.
	Reserved Outcome = iota + 1
	// AlreadyReserved means a live record exists; the request is a replay.
	AlreadyReserved
	// ReservedAfterExpiry means an expired record for the same value was
	// replaced by a new reservation.
	ReservedAfterExpiry
)

func (o Outcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case AlreadyReserved:
		return "already_reserved"
	case ReservedAfterExpiry:
		return "reserved_after_expiry"
	default:
		return "unknown"
	}
}

// Accepted reports whether the caller now owns the nonce.
func (o Outcome) Accepted() bool {
	return o == Reserved || o == ReservedAfterExpiry
}

// Record is the store-owned trace of a consumed nonce.
type Record struct {
	Nonce         string    `json:"nonce"`
	ReservedAt    time.Time `json:"reservedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	SourceAddress string    `json:"sourceAddress,omitempty"`
	AgentString   string    `json:"agentString,omitempty"`
}

// Live reports whether the record still blocks its nonce at now.
func (r Record) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Store reserves nonces.
type Store interface {
	// Reserve atomically consumes rec.Nonce for ttl starting at rec.ReservedAt.
	// Errors always wrap ErrUnavailable.
	Reserve(ctx context.Context, rec Record, ttl time.Duration) (Outcome, error)
	Close() error
}

// Sweeper is implemented by backends that need expired records removed
// explicitly. Redis expires keys itself and does not implement it.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

var (
	// ErrUnavailable marks infrastructure failures. Callers must fail closed.
	ErrUnavailable = errors.New("nonce store unavailable")
	// ErrStoreFull is returned by bounded stores that hold only live records.
	ErrStoreFull = fmt.Errorf("%w: capacity exhausted", ErrUnavailable)
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// prepare stamps the expiry and rejects records no backend can store.
func prepare(rec Record, ttl time.Duration) (Record, error) {
	if rec.Nonce == "" {
		return Record{}, fmt.Errorf("%w: empty nonce", ErrUnavailable)
	}
	if ttl <= 0 {
		return Record{}, fmt.Errorf("%w: ttl must be positive", ErrUnavailable)
	}
	if rec.ReservedAt.IsZero() {
		rec.ReservedAt = time.Now()
	}
	rec.ReservedAt = rec.ReservedAt.UTC()
	rec.ExpiresAt = rec.ReservedAt.Add(ttl)
	return rec, nil
}
