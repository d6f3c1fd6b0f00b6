package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"reqguard/gateway/auth"
	"reqguard/gateway/noncestore"
)

// DefaultProtectedPrefixes are the state-changing endpoints guarded when the
// configuration does not list its own.
var DefaultProtectedPrefixes = []string{
	"/v1/cdk/redeem",
	"/v1/links/bulk-delete",
	"/v1/env/bulk-delete",
	"/v1/keys/rotate",
	"/v1/webhooks/rotate-secret",
	"/v1/data/import",
	"/v1/data/export",
}

type UpstreamConfig struct {
	Name               string        `yaml:"name" toml:"name"`
	Endpoint           string        `yaml:"endpoint" toml:"endpoint"`
	Timeout            time.Duration `yaml:"timeout" toml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify" toml:"insecureSkipVerify"`
}

type RateLimitConfig struct {
	ID                string   `yaml:"id" toml:"id"`
	RequestsPerMinute float64  `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	RatePerSecond     float64  `yaml:"ratePerSecond" toml:"ratePerSecond"`
	Burst             int      `yaml:"burst" toml:"burst"`
	Paths             []string `yaml:"paths" toml:"paths"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" toml:"serviceName"`
	Metrics       bool   `yaml:"metrics" toml:"metrics"`
	Tracing       bool   `yaml:"tracing" toml:"tracing"`
	LogRequests   bool   `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix" toml:"metricsPrefix"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// NonceStoreConfig selects where consumed nonces are remembered.
type NonceStoreConfig struct {
	Backend       string        `yaml:"backend" toml:"backend"`
	Path          string        `yaml:"path" toml:"path"`
	DSN           string        `yaml:"dsn" toml:"dsn"`
	Capacity      int           `yaml:"capacity" toml:"capacity"`
	SweepInterval time.Duration `yaml:"sweepInterval" toml:"sweepInterval"`
	Redis         RedisConfig   `yaml:"redis" toml:"redis"`
}

// GuardSection configures request signature verification.
type GuardSection struct {
	Secret            string   `yaml:"secret" toml:"secret"`
	Digest            string   `yaml:"digest" toml:"digest"`
	MaxDriftMs        int64    `yaml:"maxDriftMs" toml:"maxDriftMs"`
	MinNonceLength    int      `yaml:"minNonceLength" toml:"minNonceLength"`
	MaxBodyBytes      int      `yaml:"maxBodyBytes" toml:"maxBodyBytes"`
	EnforceInNonProd  bool     `yaml:"enforceInNonProd" toml:"enforceInNonProd"`
	ProtectedPrefixes []string `yaml:"protectedPrefixes" toml:"protectedPrefixes"`
	RateLimitKey      string   `yaml:"rateLimitKey" toml:"rateLimitKey"`
	enforceSet        bool
}

func (g *GuardSection) UnmarshalYAML(node *yaml.Node) error {
	type rawGuardSection struct {
		Secret            string   `yaml:"secret"`
		Digest            string   `yaml:"digest"`
		MaxDriftMs        int64    `yaml:"maxDriftMs"`
		MinNonceLength    int      `yaml:"minNonceLength"`
		MaxBodyBytes      int      `yaml:"maxBodyBytes"`
		EnforceInNonProd  *bool    `yaml:"enforceInNonProd"`
		ProtectedPrefixes []string `yaml:"protectedPrefixes"`
		RateLimitKey      string   `yaml:"rateLimitKey"`
	}
	var raw rawGuardSection
	if err := node.Decode(&raw); err != nil {
		return err
	}
	g.Secret = raw.Secret
	g.Digest = raw.Digest
	g.MaxDriftMs = raw.MaxDriftMs
	g.MinNonceLength = raw.MinNonceLength
	g.MaxBodyBytes = raw.MaxBodyBytes
	g.ProtectedPrefixes = raw.ProtectedPrefixes
	g.RateLimitKey = raw.RateLimitKey
	if raw.EnforceInNonProd != nil {
		g.EnforceInNonProd = *raw.EnforceInNonProd
		g.enforceSet = true
	} else {
		g.EnforceInNonProd = false
		g.enforceSet = false
	}
	return nil
}

type SecurityConfig struct {
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP" toml:"autoUpgradeHTTP"`
	AllowInsecure   bool   `yaml:"allowInsecure" toml:"allowInsecure"`
	TLSCertFile     string `yaml:"tlsCertFile" toml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile" toml:"tlsKeyFile"`
	TLSClientCAFile string `yaml:"tlsClientCAFile" toml:"tlsClientCAFile"`

	// TrustedProxies lists CIDRs or bare IPs whose forwarding headers the
	// rate limiter believes.
	TrustedProxies []string `yaml:"trustedProxies" toml:"trustedProxies"`
}

type Config struct {
	Environment   string              `yaml:"environment" toml:"environment"`
	ListenAddress string              `yaml:"listen" toml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout" toml:"idleTimeout"`
	Upstream      UpstreamConfig      `yaml:"upstream" toml:"upstream"`
	Guard         GuardSection        `yaml:"guard" toml:"guard"`
	NonceStore    NonceStoreConfig    `yaml:"nonceStore" toml:"nonceStore"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits" toml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	CORS          CORSConfig          `yaml:"cors" toml:"cors"`
	Security      SecurityConfig      `yaml:"security" toml:"security"`
}

var (
	ErrSecretRequired          = errors.New("guard.secret is required while the replay guard is enforced")
	ErrBypassOnSensitiveDeploy = errors.New("guard.enforceInNonProd cannot be false on a TLS-terminating deployment")
)

func defaults() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Upstream: UpstreamConfig{
			Name:     "upstream",
			Endpoint: "http://127.0.0.1:7100",
			Timeout:  30 * time.Second,
		},
		Guard: GuardSection{
			MaxDriftMs:       auth.DefaultMaxDrift.Milliseconds(),
			MinNonceLength:   auth.DefaultMinNonceLength,
			MaxBodyBytes:     auth.MaxBodyForSignature,
			EnforceInNonProd: true,
			RateLimitKey:     "guarded",
			enforceSet:       true,
		},
		NonceStore: NonceStoreConfig{
			Backend:       noncestore.BackendMemory,
			Capacity:      noncestore.DefaultMemoryCapacity,
			SweepInterval: noncestore.DefaultSweepInterval,
		},
		Observability: ObservabilityConfig{
			ServiceName:   "reqguard",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "reqguard",
		},
	}
}

// Load reads a YAML or TOML (by .toml extension) file over secure defaults,
// applies REQGUARD_* environment overrides and validates the result. An empty
// path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}
	cfg.applyGuardDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		// TOML has no per-field hook, so explicit-set tracking uses the metadata.
		if meta.IsDefined("guard") {
			cfg.Guard.enforceSet = meta.IsDefined("guard", "enforceInNonProd")
			if !cfg.Guard.enforceSet {
				cfg.Guard.EnforceInNonProd = false
			}
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("REQGUARD_ENV", &cfg.Environment)
	str("REQGUARD_SECRET", &cfg.Guard.Secret)
	str("REQGUARD_DIGEST", &cfg.Guard.Digest)
	str("REQGUARD_NONCE_BACKEND", &cfg.NonceStore.Backend)
	str("REQGUARD_NONCE_PATH", &cfg.NonceStore.Path)
	str("REQGUARD_DATABASE_URL", &cfg.NonceStore.DSN)
	str("REQGUARD_REDIS_ADDR", &cfg.NonceStore.Redis.Addr)
	str("REQGUARD_REDIS_PASSWORD", &cfg.NonceStore.Redis.Password)
	str("REQGUARD_UPSTREAM_URL", &cfg.Upstream.Endpoint)

	if v, ok := lookup("REQGUARD_MAX_DRIFT_MS"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parse REQGUARD_MAX_DRIFT_MS: %w", err)
		}
		cfg.Guard.MaxDriftMs = parsed
	}
	if v, ok := lookup("REQGUARD_MIN_NONCE_LENGTH"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse REQGUARD_MIN_NONCE_LENGTH: %w", err)
		}
		cfg.Guard.MinNonceLength = parsed
	}
	if v, ok := lookup("REQGUARD_REDIS_DB"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse REQGUARD_REDIS_DB: %w", err)
		}
		cfg.NonceStore.Redis.DB = parsed
	}
	if v, ok := lookup("REQGUARD_ENFORCE_IN_NONPROD"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse REQGUARD_ENFORCE_IN_NONPROD: %w", err)
		}
		cfg.Guard.EnforceInNonProd = parsed
		cfg.Guard.enforceSet = true
	}
	return nil
}

func (cfg *Config) applyGuardDefaults() {
	if cfg == nil {
		return
	}
	// An unset flag means enforced. Only an explicit false opens the bypass.
	if !cfg.Guard.enforceSet {
		cfg.Guard.EnforceInNonProd = true
		cfg.Guard.enforceSet = true
	}
	if cfg.Guard.MaxDriftMs == 0 {
		cfg.Guard.MaxDriftMs = auth.DefaultMaxDrift.Milliseconds()
	}
	if cfg.Guard.MinNonceLength == 0 {
		cfg.Guard.MinNonceLength = auth.DefaultMinNonceLength
	}
	if cfg.Guard.MaxBodyBytes == 0 {
		cfg.Guard.MaxBodyBytes = auth.MaxBodyForSignature
	}
	if strings.TrimSpace(cfg.Guard.RateLimitKey) == "" {
		cfg.Guard.RateLimitKey = "guarded"
	}
	if len(cfg.Guard.ProtectedPrefixes) == 0 {
		cfg.Guard.ProtectedPrefixes = append([]string(nil), DefaultProtectedPrefixes...)
	}
	if strings.TrimSpace(cfg.NonceStore.Backend) == "" {
		cfg.NonceStore.Backend = noncestore.BackendMemory
	}
	if cfg.NonceStore.SweepInterval <= 0 {
		cfg.NonceStore.SweepInterval = noncestore.DefaultSweepInterval
	}
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	bypassed := cfg.GuardBypassed()
	if !bypassed && strings.TrimSpace(cfg.Guard.Secret) == "" {
		return ErrSecretRequired
	}
	if bypassed && cfg.isSensitiveDeployment() {
		return ErrBypassOnSensitiveDeploy
	}
	if cfg.Guard.MaxDriftMs <= 0 {
		return fmt.Errorf("guard.maxDriftMs must be positive")
	}
	if cfg.Guard.MinNonceLength < auth.DefaultMinNonceLength {
		return fmt.Errorf("guard.minNonceLength must be at least %d", auth.DefaultMinNonceLength)
	}
	if cfg.Guard.MaxBodyBytes <= 0 {
		return fmt.Errorf("guard.maxBodyBytes must be positive")
	}
	if _, err := auth.ParseDigest(cfg.Guard.Digest); err != nil {
		return fmt.Errorf("guard.digest: %w", err)
	}
	trimmed := make([]string, len(cfg.Guard.ProtectedPrefixes))
	for i, prefix := range cfg.Guard.ProtectedPrefixes {
		p := strings.TrimSpace(prefix)
		if p == "" {
			return fmt.Errorf("guard.protectedPrefixes[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("guard.protectedPrefixes[%d] must start with '/'", i)
		}
		if p == "/" {
			return fmt.Errorf("guard.protectedPrefixes[%d] cannot be the root path", i)
		}
		trimmed[i] = p
	}
	cfg.Guard.ProtectedPrefixes = trimmed

	switch strings.ToLower(strings.TrimSpace(cfg.NonceStore.Backend)) {
	case noncestore.BackendMemory:
	case noncestore.BackendLevelDB, noncestore.BackendBolt:
		if strings.TrimSpace(cfg.NonceStore.Path) == "" {
			return fmt.Errorf("nonceStore.path is required for the %s backend", cfg.NonceStore.Backend)
		}
	case noncestore.BackendSQLite:
		if strings.TrimSpace(cfg.NonceStore.Path) == "" && strings.TrimSpace(cfg.NonceStore.DSN) == "" {
			return fmt.Errorf("nonceStore.path or nonceStore.dsn is required for the sqlite backend")
		}
	case noncestore.BackendPostgres:
		if strings.TrimSpace(cfg.NonceStore.DSN) == "" {
			return fmt.Errorf("nonceStore.dsn is required for the postgres backend")
		}
	case noncestore.BackendRedis:
		if strings.TrimSpace(cfg.NonceStore.Redis.Addr) == "" {
			return fmt.Errorf("nonceStore.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown nonceStore.backend %q", cfg.NonceStore.Backend)
	}

	if _, err := cfg.Upstream.URL(); err != nil {
		return err
	}
	for i, limit := range cfg.RateLimits {
		if strings.TrimSpace(limit.ID) == "" {
			return fmt.Errorf("rateLimits[%d].id cannot be empty", i)
		}
	}
	if _, err := cfg.Security.TrustedProxyNets(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyNets parses security.trustedProxies. A bare address is treated
// as a single-host network.
func (s SecurityConfig) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(s.TrustedProxies))
	for i, entry := range s.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, fmt.Errorf("security.trustedProxies[%d] cannot be empty", i)
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("security.trustedProxies[%d]: invalid address %q", i, entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, parsed, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("security.trustedProxies[%d]: %w", i, err)
		}
		nets = append(nets, parsed)
	}
	return nets, nil
}

// IsProduction reports whether the environment names a production deployment.
func (cfg Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(cfg.Environment)) {
	case "prod", "production":
		return true
	}
	return false
}

// GuardBypassed reports whether verification is disabled. Production always
// enforces regardless of guard.enforceInNonProd.
func (cfg Config) GuardBypassed() bool {
	if cfg.IsProduction() {
		return false
	}
	return !cfg.Guard.EnforceInNonProd
}

// GuardConfig builds the configuration injected into auth.NewGuard.
func (cfg Config) GuardConfig() auth.GuardConfig {
	digest, err := auth.ParseDigest(cfg.Guard.Digest)
	if err != nil {
		digest = auth.DigestHMACSHA256
	}
	return auth.GuardConfig{
		Secret:         cfg.Guard.Secret,
		Digest:         digest,
		MaxDrift:       time.Duration(cfg.Guard.MaxDriftMs) * time.Millisecond,
		MinNonceLength: cfg.Guard.MinNonceLength,
		MaxBodyBytes:   cfg.Guard.MaxBodyBytes,
		Bypass:         cfg.GuardBypassed(),
	}
}

// NonceStoreOptions builds the options passed to noncestore.Open.
func (cfg Config) NonceStoreOptions() noncestore.Options {
	return noncestore.Options{
		Backend:  cfg.NonceStore.Backend,
		Path:     cfg.NonceStore.Path,
		DSN:      cfg.NonceStore.DSN,
		Capacity: cfg.NonceStore.Capacity,
		Redis: noncestore.RedisOptions{
			Addr:     cfg.NonceStore.Redis.Addr,
			Password: cfg.NonceStore.Redis.Password,
			DB:       cfg.NonceStore.Redis.DB,
			Prefix:   cfg.NonceStore.Redis.Prefix,
		},
	}
}

func (u UpstreamConfig) URL() (*url.URL, error) {
	if strings.TrimSpace(u.Endpoint) == "" {
		return nil, fmt.Errorf("endpoint missing for upstream %s", u.Name)
	}
	parsed, err := url.Parse(u.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %s endpoint: %w", u.Name, err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("upstream %s endpoint must be absolute", u.Name)
	}
	return parsed, nil
}

func (cfg *Config) isSensitiveDeployment() bool {
	if cfg == nil {
		return false
	}
	return cfg.Security.AutoUpgradeHTTP ||
		strings.TrimSpace(cfg.Security.TLSCertFile) != "" ||
		strings.TrimSpace(cfg.Security.TLSKeyFile) != "" ||
		strings.TrimSpace(cfg.Security.TLSClientCAFile) != ""
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	switch strings.ToLower(strings.TrimSpace(target.Scheme)) {
	case "https":
		return target, false, nil
	case "http":
		if !isProdEnv(env) || isLoopbackHost(target.Hostname()) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		return nil, false, fmt.Errorf("plaintext HTTP upstreams are not permitted in %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isProdEnv(env string) bool {
	return Config{Environment: env}.IsProduction()
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
