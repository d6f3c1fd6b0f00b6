package auth

import (
	"net"
	"net/http"
	"strings"
)

const (
	// HeaderTimestamp carries milliseconds since the epoch as a decimal string.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce carries the single-use hex nonce.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the lowercase hex keyed digest.
	HeaderSignature = "X-Signature"
	// HeaderRequestID lets operators match a generic rejection to its log line.
	HeaderRequestID = "X-Request-Id"

	// MaxBodyForSignature is the default maximum body size we will hash.
	MaxBodyForSignature = 1 << 20 // 1 MiB
)

// SignedRequest is the wire-level view of a request the guard decides on.
type SignedRequest struct {
	Timestamp string
	Nonce     string
	Signature string
	Body      []byte

	SourceAddress string
	AgentString   string
	Path          string
}

// FromHTTPRequest extracts the signature headers and forensic metadata from r.
// body must be the bytes read from r.Body.
func FromHTTPRequest(r *http.Request, body []byte) SignedRequest {
	return SignedRequest{
		Timestamp:     strings.TrimSpace(r.Header.Get(HeaderTimestamp)),
		Nonce:         strings.TrimSpace(r.Header.Get(HeaderNonce)),
		Signature:     strings.TrimSpace(r.Header.Get(HeaderSignature)),
		Body:          body,
		SourceAddress: SourceAddress(r),
		AgentString:   r.UserAgent(),
		Path:          r.URL.Path,
	}
}

// SourceAddress returns the best-effort client address recorded in logs and
// nonce records. Proxy headers are taken at face value, so nothing that admits
// or throttles a request may key on it.
func SourceAddress(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
