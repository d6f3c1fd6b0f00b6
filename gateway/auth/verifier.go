package auth

import "crypto/hmac"

// SignatureVerifier recomputes the expected digest and compares it with the
// supplied one in constant time.
type SignatureVerifier struct {
	secret string
	digest Digest
}

// NewSignatureVerifier returns a verifier for the shared secret.
func NewSignatureVerifier(secret string, digest Digest) *SignatureVerifier {
	if digest == "" {
		digest = DigestHMACSHA256
	}
	return &SignatureVerifier{secret: secret, digest: digest}
}

// Expected returns the lowercase hex signature for the request fields.
func (v *SignatureVerifier) Expected(timestamp, nonce string, canonicalBody []byte) string {
	return v.digest.Sign(v.secret, timestamp, nonce, canonicalBody)
}

// Verify checks supplied against the expected signature. Malformed candidates
// are rejected before the comparator runs.
func (v *SignatureVerifier) Verify(supplied, timestamp, nonce string, canonicalBody []byte) error {
	expected := v.Expected(timestamp, nonce, canonicalBody)
	if !WellFormedSignature(supplied) {
		return ErrSignatureFormatInvalid
	}
	if !hmac.Equal([]byte(supplied), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}

// WellFormedSignature reports whether sig is exactly SignatureHexLength
// lowercase hex characters.
func WellFormedSignature(sig string) bool {
	if len(sig) != SignatureHexLength {
		return false
	}
	for i := 0; i < len(sig); i++ {
		c := sig[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
