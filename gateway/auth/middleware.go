package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"reqguard/observability/logging"
)

// Middleware installs the guard in front of next. Bypassed guards pass every
// request through unchanged.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	if g.cfg.Bypass {
		g.logger.Warn("replay guard bypassed by configuration")
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readRequestBody(r, g.cfg.MaxBodyBytes)
		if err != nil {
			reason := ReasonParametersMissing
			if errors.Is(err, ErrBodyTooLarge) {
				reason = ReasonBodyTooLarge
			}
			if g.recorder != nil {
				g.recorder.ObserveDecision(reason)
			}
			g.rejectHTTP(w, r, reject(reason, err))
			return
		}
		if err := g.Verify(r.Context(), FromHTTPRequest(r, body)); err != nil {
			g.rejectHTTP(w, r, err)
			return
		}
		forwarded := ForwardedBody(body)
		r.Body = io.NopCloser(bytes.NewReader(forwarded))
		r.ContentLength = int64(len(forwarded))
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) rejectHTTP(w http.ResponseWriter, r *http.Request, err error) {
	var verr *VerificationError
	if !errors.As(err, &verr) {
		verr = reject(ReasonStoreUnavailable, err)
	}
	requestID := uuid.NewString()
	g.logger.LogAttrs(r.Context(), levelFor(verr.Reason), "request rejected",
		logging.MaskField("reason", string(verr.Reason)),
		logging.MaskField("source_address", SourceAddress(r)),
		logging.MaskField("path", r.URL.Path),
		logging.MaskField("request_id", requestID),
		logging.MaskField("nonce", r.Header.Get(HeaderNonce)),
		slog.Any("error", verr.Err),
	)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderRequestID, requestID)
	w.WriteHeader(verr.StatusCode())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": GenericRejectionMessage})
}

func readRequestBody(r *http.Request, limit int) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, nil
	}
	original := r.Body
	data, err := io.ReadAll(io.LimitReader(original, int64(limit)+1))
	original.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	return data, nil
}

func levelFor(reason Reason) slog.Level {
	if reason == ReasonStoreUnavailable {
		return slog.LevelError
	}
	return slog.LevelWarn
}
