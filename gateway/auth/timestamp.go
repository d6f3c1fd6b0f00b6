package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxDrift is the default tolerated distance between the request
// timestamp and the server clock.
const DefaultMaxDrift = 5 * time.Minute

// TimestampValidator bounds how old or how far in the future a request may be.
// It assumes NTP-level clock agreement and does not correct for skew.
type TimestampValidator struct {
	maxDriftMs int64
	nowFn      func() time.Time
}

// NewTimestampValidator builds a validator. A non-positive maxDrift selects
// DefaultMaxDrift.
func NewTimestampValidator(maxDrift time.Duration, nowFn func() time.Time) *TimestampValidator {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &TimestampValidator{maxDriftMs: maxDrift.Milliseconds(), nowFn: nowFn}
}

// Validate parses raw as milliseconds since the epoch and enforces
// |now - ts| <= maxDrift.
func (v *TimestampValidator) Validate(raw string) (int64, error) {
	ts, err := parseMillis(raw)
	if err != nil {
		return 0, err
	}
	// Compare against the window edges rather than subtracting, so extreme
	// values cannot overflow.
	now := v.nowFn().UnixMilli()
	if ts < now-v.maxDriftMs || ts > now+v.maxDriftMs {
		return 0, fmt.Errorf("%w: window is %dms", ErrTimestampExpired, v.maxDriftMs)
	}
	return ts, nil
}

// MaxDrift reports the configured window.
func (v *TimestampValidator) MaxDrift() time.Duration {
	return time.Duration(v.maxDriftMs) * time.Millisecond
}

func parseMillis(raw string) (int64, error) {
	if raw == "" || raw != strings.TrimSpace(raw) {
		return 0, ErrTimestampInvalid
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTimestampInvalid, err)
	}
	return ts, nil
}
