package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reqguard/gateway/noncestore"
)

// DefaultMinNonceLength is the shortest nonce the guard accepts.
const DefaultMinNonceLength = 16

// GuardConfig is injected into the guard at construction. The zero value of
// Bypass keeps the guard enforced.
type GuardConfig struct {
	Secret         string
	Digest         Digest
	MaxDrift       time.Duration
	MinNonceLength int
	MaxBodyBytes   int
	// Bypass disables verification entirely. Only configuration can set it,
	// and configuration refuses to in production.
	Bypass bool
}

// DecisionRecorder receives one observation per decision. reason is empty for
// accepted requests.
type DecisionRecorder interface {
	ObserveDecision(reason Reason)
}

// Guard composes the timestamp validator, nonce store and signature verifier
// and decides whether a signed request is admitted.
type Guard struct {
	cfg        GuardConfig
	timestamps *TimestampValidator
	verifier   *SignatureVerifier
	store      noncestore.Store
	nowFn      func() time.Time
	logger     *slog.Logger
	recorder   DecisionRecorder
	tracer     trace.Tracer
}

// GuardOption customises a Guard.
type GuardOption func(*Guard)

// WithClock overrides the guard clock.
func WithClock(nowFn func() time.Time) GuardOption {
	return func(g *Guard) {
		if nowFn != nil {
			g.nowFn = nowFn
		}
	}
}

// WithLogger sets the rejection logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRecorder sets the decision recorder.
func WithRecorder(recorder DecisionRecorder) GuardOption {
	return func(g *Guard) {
		g.recorder = recorder
	}
}

// NewGuard validates cfg and builds a guard backed by store.
func NewGuard(cfg GuardConfig, store noncestore.Store, opts ...GuardOption) (*Guard, error) {
	if cfg.MaxDrift <= 0 {
		cfg.MaxDrift = DefaultMaxDrift
	}
	if cfg.MinNonceLength <= 0 {
		cfg.MinNonceLength = DefaultMinNonceLength
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = MaxBodyForSignature
	}
	if cfg.Digest == "" {
		cfg.Digest = DigestHMACSHA256
	}
	if !cfg.Bypass {
		if cfg.Secret == "" {
			return nil, errors.New("replay guard secret is required")
		}
		if store == nil {
			return nil, errors.New("replay guard nonce store is required")
		}
	}
	g := &Guard{
		cfg:    cfg,
		store:  store,
		nowFn:  time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer("reqguard/gateway/auth"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.timestamps = NewTimestampValidator(cfg.MaxDrift, g.nowFn)
	g.verifier = NewSignatureVerifier(cfg.Secret, cfg.Digest)
	return g, nil
}

// Config returns the effective configuration.
func (g *Guard) Config() GuardConfig { return g.cfg }

// Verify runs the full decision for req. A nil error means ACCEPTED; otherwise
// the error is a *VerificationError carrying the reason.
func (g *Guard) Verify(ctx context.Context, req SignedRequest) error {
	ctx, span := g.tracer.Start(ctx, "replayguard.verify")
	defer span.End()

	err := g.verify(ctx, req)
	reason := ReasonOf(err)
	if g.recorder != nil {
		g.recorder.ObserveDecision(reason)
	}
	if err != nil {
		span.SetAttributes(attribute.String("replayguard.reason", string(reason)))
		span.SetStatus(codes.Error, string(reason))
		return err
	}
	span.SetAttributes(attribute.Bool("replayguard.accepted", true))
	return nil
}

func (g *Guard) verify(ctx context.Context, req SignedRequest) error {
	// RECEIVED -> HEADERS_CHECKED
	if req.Timestamp == "" || req.Nonce == "" || req.Signature == "" {
		return reject(ReasonParametersMissing, ErrParametersMissing)
	}
	if len(req.Body) > g.cfg.MaxBodyBytes {
		return reject(ReasonBodyTooLarge, ErrBodyTooLarge)
	}

	// HEADERS_CHECKED -> TIMESTAMP_CHECKED
	ts, err := g.timestamps.Validate(req.Timestamp)
	if err != nil {
		if errors.Is(err, ErrTimestampExpired) {
			return reject(ReasonTimestampExpired, err)
		}
		return reject(ReasonTimestampInvalid, err)
	}

	// Format is checked before the store is touched.
	if len(req.Nonce) < g.cfg.MinNonceLength {
		return reject(ReasonNonceTooShort, ErrNonceTooShort)
	}

	// TIMESTAMP_CHECKED -> NONCE_RESERVED
	now := g.nowFn()
	outcome, err := g.store.Reserve(ctx, noncestore.Record{
		Nonce:         req.Nonce,
		ReservedAt:    now,
		SourceAddress: req.SourceAddress,
		AgentString:   req.AgentString,
	}, g.reservationTTL(ts, now))
	if err != nil {
		return reject(ReasonStoreUnavailable, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	if !outcome.Accepted() {
		return reject(ReasonNonceReplayed, ErrNonceReplayed)
	}

	// NONCE_RESERVED -> SIGNATURE_CHECKED
	canon, err := canonicalBody(req.Body)
	if err != nil {
		return reject(ReasonSignatureMismatch, fmt.Errorf("%w: %v", ErrSignatureMismatch, err))
	}
	if err := g.verifier.Verify(req.Signature, req.Timestamp, req.Nonce, canon); err != nil {
		if errors.Is(err, ErrSignatureFormatInvalid) {
			return reject(ReasonSignatureFormatInvalid, err)
		}
		return reject(ReasonSignatureMismatch, err)
	}
	return nil
}

// reservationTTL keeps the nonce consumed for as long as ts itself is
// acceptable, i.e. through ts+maxDrift inclusive. Whole milliseconds are
// used so every backend stores the same expiry.
func (g *Guard) reservationTTL(ts int64, now time.Time) time.Duration {
	lastValidMs := ts + g.cfg.MaxDrift.Milliseconds()
	ttl := time.Duration(lastValidMs+1-now.UnixMilli()) * time.Millisecond
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}
