package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// NonceBytes is the amount of randomness in a generated nonce (32 hex chars).
const NonceBytes = 16

// Headers is the signed metadata attached to an outbound request.
type Headers struct {
	Timestamp string
	Nonce     string
	Signature string
}

// Apply sets the three signature headers on h.
func (s Headers) Apply(h http.Header) {
	h.Set(HeaderTimestamp, s.Timestamp)
	h.Set(HeaderNonce, s.Nonce)
	h.Set(HeaderSignature, s.Signature)
}

// Signer builds request signatures on the client side.
type Signer struct {
	secret string
	digest Digest
	nowFn  func() time.Time
	random io.Reader
}

// SignerOption customises a Signer.
type SignerOption func(*Signer)

// WithSignerClock overrides the signer clock.
func WithSignerClock(nowFn func() time.Time) SignerOption {
	return func(s *Signer) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

// WithSignerRandom overrides the nonce randomness source.
func WithSignerRandom(r io.Reader) SignerOption {
	return func(s *Signer) {
		if r != nil {
			s.random = r
		}
	}
}

// WithSignerDigest selects the keyed digest. It must match the server.
func WithSignerDigest(d Digest) SignerOption {
	return func(s *Signer) {
		if d != "" {
			s.digest = d
		}
	}
}

// NewSigner returns a Signer for the shared secret.
func NewSigner(secret string, opts ...SignerOption) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	s := &Signer{
		secret: secret,
		digest: DigestHMACSHA256,
		nowFn:  time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateNonce returns 16 bytes from crypto/rand, hex encoded.
func GenerateNonce() (string, error) {
	return generateNonce(rand.Reader)
}

func generateNonce(r io.Reader) (string, error) {
	buf := make([]byte, NonceBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read nonce entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BuildHeaders signs body with a fresh timestamp and nonce.
func (s *Signer) BuildHeaders(body []byte) (Headers, error) {
	nonce, err := generateNonce(s.random)
	if err != nil {
		return Headers{}, err
	}
	timestamp := strconv.FormatInt(s.nowFn().UnixMilli(), 10)
	return Headers{
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: s.digest.Sign(s.secret, timestamp, nonce, CanonicalBody(body)),
	}, nil
}

// SignRequest attaches freshly built headers to req. body must be the exact
// bytes that req will send.
func (s *Signer) SignRequest(req *http.Request, body []byte) (Headers, error) {
	headers, err := s.BuildHeaders(body)
	if err != nil {
		return Headers{}, err
	}
	headers.Apply(req.Header)
	return headers, nil
}
