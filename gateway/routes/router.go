package routes

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"reqguard/gateway/auth"
	"reqguard/gateway/middleware"
)

// GuardedMethods are the state-changing methods the replay guard applies to.
var GuardedMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

type Config struct {
	Upstream          *url.URL
	Proxy             ProxyOptions
	ProtectedPrefixes []string
	// GuardRateLimitKey and ProxyRateLimitKey select RateLimiter buckets for
	// protected and pass-through traffic.
	GuardRateLimitKey string
	ProxyRateLimitKey string
	Guard             *auth.Guard
	RateLimiter       *middleware.RateLimiter
	Observability     *middleware.Observability
	CORS              middleware.CORSConfig
}

// New builds the gateway router. Mutating requests whose path falls under a
// protected prefix pass through the replay guard before being proxied;
// everything else is proxied as is. Prefixes are matched against the cleaned,
// lowercased request path, so no spelling of a protected route that the
// upstream would treat as the same route can skip the guard.
func New(cfg Config) (http.Handler, error) {
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("upstream target is required")
	}
	if len(cfg.ProtectedPrefixes) > 0 && cfg.Guard == nil {
		return nil, fmt.Errorf("protected prefixes configured without a replay guard")
	}
	protected := make([]string, 0, len(cfg.ProtectedPrefixes))
	for _, prefix := range cfg.ProtectedPrefixes {
		trimmed := strings.TrimSpace(prefix)
		if !strings.HasPrefix(trimmed, "/") || trimmed == "/" {
			return nil, fmt.Errorf("protected prefix %q must start with '/' and name a route", prefix)
		}
		protected = append(protected, normalizePath(trimmed))
	}
	proxy := NewProxy(cfg.Upstream, cfg.Proxy)

	var guarded http.Handler = proxy
	if cfg.Guard != nil {
		guarded = guardMutating(cfg.Guard)(guarded)
	}
	if obs := cfg.Observability; obs != nil {
		guarded = obs.Middleware("guarded")(guarded)
	}
	if cfg.RateLimiter != nil && cfg.GuardRateLimitKey != "" {
		guarded = cfg.RateLimiter.Middleware(cfg.GuardRateLimitKey)(guarded)
	}
	var passthrough http.Handler = proxy
	if cfg.RateLimiter != nil && cfg.ProxyRateLimitKey != "" {
		passthrough = cfg.RateLimiter.Middleware(cfg.ProxyRateLimitKey)(passthrough)
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if isProtectedPath(protected, req.URL.Path) {
			guarded.ServeHTTP(w, req)
			return
		}
		passthrough.ServeHTTP(w, req)
	}))

	return r, nil
}

// normalizePath resolves dot segments and repeated slashes and folds case.
func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.ToLower(path.Clean(p))
}

func isProtectedPath(prefixes []string, requestPath string) bool {
	normalized := normalizePath(requestPath)
	for _, prefix := range prefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
			return true
		}
	}
	return false
}

func guardMutating(guard *auth.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		guarded := guard.Middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isGuardedMethod(r.Method) {
				guarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isGuardedMethod(method string) bool {
	for _, m := range GuardedMethods {
		if m == method {
			return true
		}
	}
	return false
}
