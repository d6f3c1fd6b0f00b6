package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"lukechampine.com/blake3"
)

// Digest names a keyed 256-bit hash used to sign requests.
type Digest string

const (
	DigestHMACSHA256 Digest = "hmac-sha256"
	DigestBLAKE3     Digest = "blake3"

	// DigestSize is the byte length of every supported digest.
	DigestSize = 32
	// SignatureHexLength is the wire length of X-Signature.
	SignatureHexLength = DigestSize * 2
)

// ParseDigest resolves a configured digest name. The empty string selects HMAC-SHA256.
func ParseDigest(name string) (Digest, error) {
	switch Digest(strings.ToLower(strings.TrimSpace(name))) {
	case "", DigestHMACSHA256:
		return DigestHMACSHA256, nil
	case DigestBLAKE3:
		return DigestBLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported digest %q", name)
	}
}

func (d Digest) newHash(secret string) hash.Hash {
	switch d {
	case DigestBLAKE3:
		// Keyed BLAKE3 requires exactly 32 bytes of key material.
		key := sha256.Sum256([]byte(secret))
		return blake3.New(DigestSize, key[:])
	default:
		return hmac.New(sha256.New, []byte(secret))
	}
}

// Sum computes the keyed digest over timestamp ‖ nonce ‖ canonicalBody.
func (d Digest) Sum(secret, timestamp, nonce string, canonicalBody []byte) []byte {
	h := d.newHash(secret)
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write(canonicalBody)
	return h.Sum(nil)
}

// Sign returns the lowercase hex encoding of Sum.
func (d Digest) Sign(secret, timestamp, nonce string, canonicalBody []byte) string {
	return hex.EncodeToString(d.Sum(secret, timestamp, nonce, canonicalBody))
}

// Sign computes the HMAC-SHA256 request signature.
func Sign(secret, timestamp, nonce string, canonicalBody []byte) string {
	return DigestHMACSHA256.Sign(secret, timestamp, nonce, canonicalBody)
}
