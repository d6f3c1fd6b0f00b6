package config

import (
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reqguard/gateway/auth"
	"reqguard/gateway/noncestore"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRequiresSecretByDefault(t *testing.T) {
	t.Setenv("REQGUARD_SECRET", "")
	_, err := Load("")
	if !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected missing secret to fail, got %v", err)
	}
}

func TestLoadDefaultsEnforceGuard(t *testing.T) {
	t.Setenv("REQGUARD_SECRET", "s3cr3t")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Guard.EnforceInNonProd || cfg.GuardBypassed() {
		t.Fatalf("expected guard to be enforced by default")
	}
	guard := cfg.GuardConfig()
	if guard.MaxDrift != auth.DefaultMaxDrift {
		t.Fatalf("expected default drift, got %s", guard.MaxDrift)
	}
	if guard.MinNonceLength != 16 {
		t.Fatalf("expected min nonce length 16, got %d", guard.MinNonceLength)
	}
	if guard.Digest != auth.DigestHMACSHA256 {
		t.Fatalf("expected hmac digest, got %s", guard.Digest)
	}
	if len(cfg.Guard.ProtectedPrefixes) != len(DefaultProtectedPrefixes) {
		t.Fatalf("expected default protected prefixes, got %v", cfg.Guard.ProtectedPrefixes)
	}
	if cfg.NonceStoreOptions().Backend != noncestore.BackendMemory {
		t.Fatalf("expected memory backend by default")
	}
}

func TestLoadGuardSectionWithoutEnforceFlagStaysEnforced(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\n  maxDriftMs: 60000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GuardBypassed() {
		t.Fatalf("expected omitted enforceInNonProd to keep the guard enforced")
	}
	if cfg.GuardConfig().MaxDrift != time.Minute {
		t.Fatalf("expected drift of one minute, got %s", cfg.GuardConfig().MaxDrift)
	}
	if cfg.Guard.RateLimitKey != "guarded" {
		t.Fatalf("expected default rate limit key, got %q", cfg.Guard.RateLimitKey)
	}
}

func TestLoadExplicitBypassInDevelopment(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "environment: dev\nguard:\n  enforceInNonProd: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.GuardConfig().Bypass {
		t.Fatalf("expected explicit opt-out to bypass the guard outside production")
	}
}

func TestProductionIgnoresBypass(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "environment: production\nguard:\n  enforceInNonProd: false\n")
	if _, err := Load(path); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected production to enforce and require a secret, got %v", err)
	}

	t.Setenv("REQGUARD_SECRET", "s3cr3t")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GuardConfig().Bypass {
		t.Fatalf("production must never bypass the guard")
	}
}

func TestBypassRejectedOnTLSDeployment(t *testing.T) {
	yaml := "guard:\n  enforceInNonProd: false\nsecurity:\n  tlsCertFile: /etc/reqguard/cert.pem\n  tlsKeyFile: /etc/reqguard/key.pem\n"
	path := writeConfig(t, "gateway.yaml", yaml)
	if _, err := Load(path); !errors.Is(err, ErrBypassOnSensitiveDeploy) {
		t.Fatalf("expected bypass on TLS deployment to fail, got %v", err)
	}
}

func TestLoadRejectsNonceLengthBelowFloor(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\n  minNonceLength: 8\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected minNonceLength below 16 to fail")
	}

	raised := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\n  minNonceLength: 32\n")
	cfg, err := Load(raised)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GuardConfig().MinNonceLength != 32 {
		t.Fatalf("expected raised floor to apply")
	}
}

func TestLoadRejectsNegativeDrift(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\n  maxDriftMs: -5\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected negative drift to fail")
	}
}

func TestLoadRejectsProtectedPrefixWithoutLeadingSlash(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\n  protectedPrefixes:\n    - v1/keys/rotate\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for prefix without leading slash")
	}
}

func TestLoadRejectsRootProtectedPrefix(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\n  protectedPrefixes:\n    - /\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for root prefix")
	}
}

func TestLoadNormalizesProtectedPrefixes(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\n  protectedPrefixes:\n    - \"  /v1/keys/rotate  \"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Guard.ProtectedPrefixes) != 1 || cfg.Guard.ProtectedPrefixes[0] != "/v1/keys/rotate" {
		t.Fatalf("unexpected prefixes %v", cfg.Guard.ProtectedPrefixes)
	}
}

func TestLoadTOML(t *testing.T) {
	content := `
environment = "staging"

[guard]
secret = "s3cr3t"
digest = "blake3"
maxDriftMs = 120000

[nonceStore]
backend = "bolt"
path = "/var/lib/reqguard/nonces.db"
sweepInterval = "30s"
`
	path := writeConfig(t, "gateway.toml", content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml config: %v", err)
	}
	guard := cfg.GuardConfig()
	if guard.Digest != auth.DigestBLAKE3 {
		t.Fatalf("expected blake3 digest, got %s", guard.Digest)
	}
	if guard.Bypass {
		t.Fatalf("expected omitted enforceInNonProd to keep the guard enforced")
	}
	if guard.MaxDrift != 2*time.Minute {
		t.Fatalf("unexpected drift %s", guard.MaxDrift)
	}
	if cfg.NonceStore.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected sweep interval %s", cfg.NonceStore.SweepInterval)
	}
	if opts := cfg.NonceStoreOptions(); opts.Backend != noncestore.BackendBolt || opts.Path == "" {
		t.Fatalf("unexpected store options %+v", opts)
	}
}

func TestLoadTOMLExplicitBypass(t *testing.T) {
	path := writeConfig(t, "gateway.toml", "environment = \"dev\"\n[guard]\nenforceInNonProd = false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml config: %v", err)
	}
	if !cfg.GuardBypassed() {
		t.Fatalf("expected explicit toml opt-out to bypass outside production")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("REQGUARD_SECRET", "from-env")
	t.Setenv("REQGUARD_MAX_DRIFT_MS", "1000")
	t.Setenv("REQGUARD_MIN_NONCE_LENGTH", "24")
	t.Setenv("REQGUARD_NONCE_BACKEND", "redis")
	t.Setenv("REQGUARD_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("REQGUARD_REDIS_DB", "3")
	t.Setenv("REQGUARD_UPSTREAM_URL", "http://127.0.0.1:9000")

	path := writeConfig(t, "gateway.yaml", "guard:\n  secret: from-file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	guard := cfg.GuardConfig()
	if guard.Secret != "from-env" {
		t.Fatalf("expected environment secret to win")
	}
	if guard.MaxDrift != time.Second || guard.MinNonceLength != 24 {
		t.Fatalf("unexpected guard config %+v", guard)
	}
	opts := cfg.NonceStoreOptions()
	if opts.Backend != noncestore.BackendRedis || opts.Redis.Addr != "redis.internal:6379" || opts.Redis.DB != 3 {
		t.Fatalf("unexpected store options %+v", opts)
	}
	if cfg.Upstream.Endpoint != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected upstream %s", cfg.Upstream.Endpoint)
	}
}

func TestEnvironmentEnforceOverride(t *testing.T) {
	t.Setenv("REQGUARD_ENFORCE_IN_NONPROD", "false")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.GuardBypassed() {
		t.Fatalf("expected environment opt-out to bypass")
	}

	t.Setenv("REQGUARD_ENFORCE_IN_NONPROD", "maybe")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected invalid boolean to fail")
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	cases := map[string]string{
		"leveldb":  "nonceStore:\n  backend: leveldb\n",
		"postgres": "nonceStore:\n  backend: postgres\n",
		"sqlite":   "nonceStore:\n  backend: sqlite\n",
		"unknown":  "nonceStore:\n  backend: etcd\n",
	}
	for name, body := range cases {
		path := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\n"+body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEnforceSecureScheme(t *testing.T) {
	plain, _ := url.Parse("http://billing.internal:8080")
	if _, _, err := EnforceSecureScheme("production", plain, false); err == nil {
		t.Fatalf("expected plaintext upstream to be rejected in production")
	}
	upgraded, changed, err := EnforceSecureScheme("production", plain, true)
	if err != nil || !changed || upgraded.Scheme != "https" {
		t.Fatalf("expected auto upgrade, got %v %v %v", upgraded, changed, err)
	}
	if _, changed, err := EnforceSecureScheme("dev", plain, false); err != nil || changed {
		t.Fatalf("expected plaintext to be allowed in dev")
	}
	loopback, _ := url.Parse("http://127.0.0.1:7100")
	if _, _, err := EnforceSecureScheme("production", loopback, false); err != nil {
		t.Fatalf("expected loopback upstream to be allowed: %v", err)
	}
}

func TestTrustedProxyNets(t *testing.T) {
	sec := SecurityConfig{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.7", "2001:db8::1"}}
	nets, err := sec.TrustedProxyNets()
	if err != nil {
		t.Fatalf("parse trusted proxies: %v", err)
	}
	if len(nets) != 3 {
		t.Fatalf("expected 3 networks, got %d", len(nets))
	}
	checks := []struct {
		ip   string
		want bool
	}{
		{"10.20.30.40", true},
		{"192.0.2.7", true},
		{"192.0.2.8", false},
		{"2001:db8::1", true},
		{"2001:db8::2", false},
	}
	for _, c := range checks {
		got := false
		for _, n := range nets {
			if n.Contains(net.ParseIP(c.ip)) {
				got = true
			}
		}
		if got != c.want {
			t.Fatalf("trusted(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestLoadRejectsInvalidTrustedProxy(t *testing.T) {
	for _, entry := range []string{"not-an-ip", "10.0.0.0/40", "\"\""} {
		path := writeConfig(t, "gateway.yaml", "guard:\n  secret: s3cr3t\nsecurity:\n  trustedProxies:\n    - "+entry+"\n")
		if _, err := Load(path); err == nil {
			t.Fatalf("expected trusted proxy %s to be rejected", entry)
		}
	}
}

func TestComposeProfileLoads(t *testing.T) {
	t.Setenv("REQGUARD_ENV", "")
	t.Setenv("REQGUARD_SECRET", "compose-secret")
	cfg, err := Load(filepath.Join("..", "..", "deploy", "compose", "gateway.yaml"))
	if err != nil {
		t.Fatalf("load compose profile: %v", err)
	}
	if cfg.Environment != "dev" || !cfg.Security.AllowInsecure {
		t.Fatalf("compose profile must stay a dev plaintext profile, got env=%q allowInsecure=%v", cfg.Environment, cfg.Security.AllowInsecure)
	}
	if cfg.NonceStore.Backend != noncestore.BackendRedis {
		t.Fatalf("expected redis backend, got %q", cfg.NonceStore.Backend)
	}
	if cfg.GuardBypassed() {
		t.Fatalf("compose profile must enforce the guard")
	}
}
