package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"reqguard/gateway/auth"
	"reqguard/gateway/config"
	"reqguard/gateway/middleware"
	"reqguard/gateway/noncestore"
	"reqguard/gateway/routes"
	"reqguard/observability/logging"
	telemetry "reqguard/observability/otel"
)

func main() {
	var cfgPath string
	var allowInsecureFlag bool
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration (.yaml or .toml)")
	flag.BoolVar(&allowInsecureFlag, "allow-insecure", false, "DEV ONLY: permit plaintext listeners on loopback interfaces")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("REQGUARD_ENV"))
	logger := logging.Setup("reqguard-gateway", env)
	if err := run(cfgPath, allowInsecureFlag, env, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

// run owns every resource the gateway opens so deferred cleanup happens on
// both clean shutdown and serve failures.
func run(cfgPath string, allowInsecureFlag bool, env string, logger *slog.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Environment != "" {
		env = cfg.Environment
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg, env))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	upstream, err := cfg.Upstream.URL()
	if err != nil {
		return fmt.Errorf("parse upstream: %w", err)
	}
	upstream, upgraded, err := config.EnforceSecureScheme(env, upstream, cfg.Security.AutoUpgradeHTTP)
	if err != nil {
		return fmt.Errorf("enforce HTTPS for upstream: %w", err)
	}
	if upgraded {
		logger.Warn("auto-upgraded upstream endpoint to HTTPS", "upstream", upstream.Redacted())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := noncestore.Open(ctx, cfg.NonceStoreOptions())
	if err != nil {
		return fmt.Errorf("open %s nonce store: %w", cfg.NonceStore.Backend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close nonce store", "error", err)
		}
	}()
	logger.Info("nonce store ready", "backend", cfg.NonceStore.Backend)
	go noncestore.NewJanitor(store, cfg.NonceStore.SweepInterval, time.Now, logger).Run(ctx)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)
	if mem, ok := store.(*noncestore.Memory); ok {
		if err := obs.RegisterStoreSize(noncestore.BackendMemory, mem.Len); err != nil {
			logger.Warn("register nonce store gauge", "error", err)
		}
	}

	guardCfg := cfg.GuardConfig()
	guard, err := auth.NewGuard(guardCfg, store, auth.WithLogger(logger), auth.WithRecorder(obs))
	if err != nil {
		return fmt.Errorf("configure replay guard: %w", err)
	}
	if guardCfg.Bypass {
		logger.Warn("replay guard disabled for this non-production environment", "env", env)
	}

	trustedProxies, err := cfg.Security.TrustedProxyNets()
	if err != nil {
		return err
	}
	router, err := routes.New(routes.Config{
		Upstream: upstream,
		Proxy: routes.ProxyOptions{
			Timeout:            cfg.Upstream.Timeout,
			InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify,
			Logger:             logger,
		},
		ProtectedPrefixes: cfg.Guard.ProtectedPrefixes,
		GuardRateLimitKey: cfg.Guard.RateLimitKey,
		ProxyRateLimitKey: "proxy",
		Guard:             guard,
		RateLimiter:       middleware.NewRateLimiter(rateLimits(cfg), logger, middleware.WithTrustedProxies(trustedProxies)),
		Observability:     obs,
		CORS:              middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "reqguard-gateway")
	}

	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}
	tlsConfig, err := buildTLSConfig(configDir, cfg.Security)
	if err != nil {
		return fmt.Errorf("configure TLS: %w", err)
	}

	allowInsecure := cfg.Security.AllowInsecure || allowInsecureFlag
	if tlsConfig == nil {
		if !allowInsecure {
			return errors.New("gateway TLS certificate and key are required; provide security.tlsCertFile/tlsKeyFile or start with --allow-insecure in dev")
		}
		if cfg.IsProduction() || (!strings.EqualFold(env, "dev") && !isLoopbackAddress(cfg.ListenAddress)) {
			return errors.New("plaintext gateway mode is restricted to loopback listeners or dev environment")
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	logger.Info("listening", "address", listener.Addr().String(), "tls", tlsConfig != nil,
		"protected_prefixes", len(cfg.Guard.ProtectedPrefixes))
	return serve(ctx, server, listener, logger)
}

// serve runs server on listener until ctx ends or Serve fails. A serve error
// is returned to the caller instead of exiting the process.
func serve(ctx context.Context, server *http.Server, listener net.Listener, logger *slog.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func telemetryConfig(cfg config.Config, env string) telemetry.Config {
	return telemetry.FromEnv(telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: env,
		Metrics:     cfg.Observability.Metrics,
		Traces:      cfg.Observability.Tracing,
	}, os.Getenv)
}

func rateLimits(cfg config.Config) map[string]middleware.RateLimit {
	limits := make(map[string]middleware.RateLimit)
	for _, entry := range cfg.RateLimits {
		rate := entry.RatePerSecond
		if rate <= 0 && entry.RequestsPerMinute > 0 {
			rate = entry.RequestsPerMinute / 60.0
		}
		limits[entry.ID] = middleware.RateLimit{RatePerSecond: rate, Burst: entry.Burst}
	}
	if _, ok := limits[cfg.Guard.RateLimitKey]; !ok {
		limits[cfg.Guard.RateLimitKey] = middleware.RateLimit{RatePerSecond: 5, Burst: 20}
	}
	return limits
}

func buildTLSConfig(baseDir string, sec config.SecurityConfig) (*tls.Config, error) {
	certPath := resolveTLSPath(baseDir, sec.TLSCertFile)
	keyPath := resolveTLSPath(baseDir, sec.TLSKeyFile)
	caPath := resolveTLSPath(baseDir, sec.TLSClientCAFile)
	if certPath == "" && keyPath == "" && caPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse client CA file %s", caPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func resolveTLSPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
