package auth

import (
	"errors"
	"net/http"
)

// Reason is the internal rejection code. It is written to logs and metrics and
// never returned to the caller.
type Reason string

const (
	ReasonParametersMissing      Reason = "missing_parameters"
	ReasonTimestampInvalid       Reason = "timestamp_invalid"
	ReasonTimestampExpired       Reason = "timestamp_expired"
	ReasonNonceTooShort          Reason = "nonce_too_short"
	ReasonNonceReplayed          Reason = "replay_detected"
	ReasonSignatureFormatInvalid Reason = "signature_format_invalid"
	ReasonSignatureMismatch      Reason = "signature_mismatch"
	ReasonStoreUnavailable       Reason = "store_unavailable"
	ReasonBodyTooLarge           Reason = "body_too_large"
)

var (
	ErrParametersMissing      = errors.New("missing timestamp, nonce or signature")
	ErrTimestampInvalid       = errors.New("timestamp is not an integer")
	ErrTimestampExpired       = errors.New("timestamp outside allowed drift")
	ErrNonceTooShort          = errors.New("nonce shorter than minimum length")
	ErrNonceReplayed          = errors.New("nonce already used")
	ErrSignatureFormatInvalid = errors.New("signature is not a lowercase hex digest")
	ErrSignatureMismatch      = errors.New("signature mismatch")
	ErrStoreUnavailable       = errors.New("nonce store unavailable")
	ErrBodyTooLarge           = errors.New("request body exceeds signature limit")
)

// GenericRejectionMessage is the only message a rejected caller ever sees.
const GenericRejectionMessage = "request could not be verified"

var reasonBySentinel = []struct {
	err    error
	reason Reason
}{
	{ErrParametersMissing, ReasonParametersMissing},
	{ErrTimestampInvalid, ReasonTimestampInvalid},
	{ErrTimestampExpired, ReasonTimestampExpired},
	{ErrNonceTooShort, ReasonNonceTooShort},
	{ErrNonceReplayed, ReasonNonceReplayed},
	{ErrSignatureFormatInvalid, ReasonSignatureFormatInvalid},
	{ErrSignatureMismatch, ReasonSignatureMismatch},
	{ErrStoreUnavailable, ReasonStoreUnavailable},
	{ErrBodyTooLarge, ReasonBodyTooLarge},
}

// VerificationError carries the rejection reason alongside the underlying cause.
type VerificationError struct {
	Reason Reason
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error { return e.Err }

// StatusCode maps the reason onto the HTTP status returned with the generic message.
func (e *VerificationError) StatusCode() int {
	switch e.Reason {
	case ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	case ReasonBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusUnauthorized
	}
}

func reject(reason Reason, err error) *VerificationError {
	return &VerificationError{Reason: reason, Err: err}
}

// ReasonOf classifies err. Unknown errors are treated as store failures so that
// callers fail closed.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	for _, entry := range reasonBySentinel {
		if errors.Is(err, entry.err) {
			return entry.reason
		}
	}
	return ReasonStoreUnavailable
}
