package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"guarded": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("guarded")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on limited response")
	}
}

func TestRateLimiterSeparatesRoutesAndClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"guarded": {RatePerSecond: 1, Burst: 1},
		"proxy":   {RatePerSecond: 1, Burst: 1},
	}, nil)
	guarded := limiter.Middleware("guarded")(okHandler())
	proxy := limiter.Middleware("proxy")(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate", nil)
	first.RemoteAddr = "192.0.2.10:4000"
	for _, h := range []http.Handler{guarded, proxy} {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, first)
		if res.Code != http.StatusOK {
			t.Fatalf("expected independent buckets per route, got %d", res.Code)
		}
	}

	other := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate", nil)
	other.RemoteAddr = "192.0.2.11:4000"
	res := httptest.NewRecorder()
	guarded.ServeHTTP(res, other)
	if res.Code != http.StatusOK {
		t.Fatalf("expected independent buckets per client, got %d", res.Code)
	}
}

func TestRateLimiterUnknownKeyPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("missing")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("expected unlimited route to pass, got %d", res.Code)
		}
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewRateLimiter(map[string]RateLimit{"guarded": {RatePerSecond: 1, Burst: 1}}, nil)
	limiter.clockNow = func() time.Time { return now }

	limiter.obtainLimiter("guarded|192.0.2.1", limiter.limits["guarded"])
	if limiter.visitorCount() != 1 {
		t.Fatalf("expected one visitor")
	}
	now = now.Add(visitorTTL)
	limiter.obtainLimiter("guarded|192.0.2.2", limiter.limits["guarded"])
	if got := limiter.visitorCount(); got != 1 {
		t.Fatalf("expected idle visitor to be dropped, got %d visitors", got)
	}
}

func TestRateLimiterIgnoresForwardingHeadersFromUntrustedPeers(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"guarded": {RatePerSecond: 1, Burst: 1}}, nil)
	handler := limiter.Middleware("guarded")(okHandler())

	admitted := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate", nil)
		req.RemoteAddr = "198.51.100.20:5000"
		req.Header.Set("X-Real-IP", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("192.0.2.%d", i))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code == http.StatusOK {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("expected rotating headers to share one bucket, admitted %d", admitted)
	}
}

func TestRateLimiterHonoursTrustedProxy(t *testing.T) {
	_, proxies, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	limiter := NewRateLimiter(map[string]RateLimit{"guarded": {RatePerSecond: 1, Burst: 1}}, nil, WithTrustedProxies([]*net.IPNet{proxies}))

	cases := []struct {
		name    string
		remote  string
		realIP  string
		forward string
		want    string
	}{
		{name: "untrusted peer", remote: "198.51.100.20:5000", realIP: "203.0.113.1", want: "198.51.100.20"},
		{name: "real ip via proxy", remote: "10.1.2.3:5000", realIP: "203.0.113.1", want: "203.0.113.1"},
		{name: "rightmost untrusted hop", remote: "10.1.2.3:5000", forward: "192.0.2.99, 203.0.113.5, 10.9.9.9", want: "203.0.113.5"},
		{name: "garbage hop stops walk", remote: "10.1.2.3:5000", forward: "203.0.113.5, nonsense", want: "10.1.2.3"},
		{name: "proxy without headers", remote: "10.1.2.3:5000", want: "10.1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate", nil)
			req.RemoteAddr = tc.remote
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if tc.forward != "" {
				req.Header.Set("X-Forwarded-For", tc.forward)
			}
			require.Equal(t, tc.want, limiter.clientAddress(req))
		})
	}

	// Distinct clients behind the same proxy get distinct buckets.
	handler := limiter.Middleware("guarded")(okHandler())
	for _, client := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		req.Header.Set("X-Real-IP", client)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code, client)
	}
}
