// Package config loads, validates and watches the authgate YAML file.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	authcfg "github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/pathmatch"
	"github.com/wudi/authgate/internal/token"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validMissingClaim = map[string]bool{
	authcfg.MissingClaimPlaceholder: true,
	authcfg.MissingClaimOmit:        true,
	authcfg.MissingClaimReject:      true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *authcfg.SecretRegistry
}

// NewLoader creates a new configuration loader with the env and file
// secret providers.
func NewLoader() *Loader {
	return NewLoaderWithSecrets(authcfg.NewSecretRegistry())
}

// NewLoaderWithSecrets creates a loader that resolves ${scheme:ref}
// references through registry.
func NewLoaderWithSecrets(registry *authcfg.SecretRegistry) *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    registry,
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*authcfg.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*authcfg.Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := authcfg.DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := authcfg.ResolveSecrets(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks cfg for errors and returns the first one found.
func Validate(cfg *authcfg.Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener.address is required")
	}

	if err := validateUpstream(cfg.Upstream); err != nil {
		return err
	}

	if err := validateAuth(cfg.Auth); err != nil {
		return err
	}

	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level: invalid level %q", cfg.Logging.Level)
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.Address == "" {
			return fmt.Errorf("admin.address is required when admin is enabled")
		}
		// Port 0 picks a fresh ephemeral port for each listener.
		if cfg.Admin.Address == cfg.Listener.Address && !strings.HasSuffix(cfg.Admin.Address, ":0") {
			return fmt.Errorf("admin.address must differ from listener.address")
		}
		if cfg.Admin.Metrics && !strings.HasPrefix(cfg.Admin.MetricsPath, "/") {
			return fmt.Errorf("admin.metrics_path must start with /")
		}
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func validateUpstream(u authcfg.UpstreamConfig) error {
	if u.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	parsed, err := url.Parse(u.URL)
	if err != nil {
		return fmt.Errorf("upstream.url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("upstream.url: scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("upstream.url: host is required")
	}
	if u.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must be >= 0")
	}
	if cb := u.CircuitBreaker; cb.Enabled {
		if cb.FailureThreshold < 1 {
			return fmt.Errorf("upstream.circuit_breaker.failure_threshold must be >= 1")
		}
		if cb.MaxRequests < 1 {
			return fmt.Errorf("upstream.circuit_breaker.max_requests must be >= 1")
		}
		if cb.Timeout <= 0 {
			return fmt.Errorf("upstream.circuit_breaker.timeout must be > 0")
		}
	}
	return nil
}

func validateAuth(a authcfg.AuthConfig) error {
	for i, p := range a.SkipURLs {
		if err := pathmatch.Validate(p); err != nil {
			return fmt.Errorf("auth.skip_urls[%d]: %w", i, err)
		}
	}
	for i, s := range a.Schemes {
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \t") {
			return fmt.Errorf("auth.schemes[%d]: invalid scheme %q", i, s)
		}
	}

	if err := validateJWT(a.JWT); err != nil {
		return err
	}

	id := a.Identity
	if strings.TrimSpace(id.Header) == "" {
		return fmt.Errorf("auth.identity.header is required")
	}
	if id.Claim == "" {
		return fmt.Errorf("auth.identity.claim is required")
	}
	if !validMissingClaim[id.MissingClaim] {
		return fmt.Errorf("auth.identity.missing_claim: must be placeholder, omit or reject, got %q", id.MissingClaim)
	}
	for claim, header := range id.Propagate {
		if claim == "" || strings.TrimSpace(header) == "" {
			return fmt.Errorf("auth.identity.propagate: empty claim or header in %q: %q", claim, header)
		}
		if strings.EqualFold(header, id.Header) {
			return fmt.Errorf("auth.identity.propagate: claim %q targets the identity header", claim)
		}
	}

	if a.Cache.Enabled && a.Cache.MaxEntries <= 0 {
		return fmt.Errorf("auth.cache.max_entries must be > 0 when the cache is enabled")
	}
	if a.Cache.TTL < 0 {
		return fmt.Errorf("auth.cache.ttl must be >= 0")
	}
	return nil
}

func validateJWT(j authcfg.JWTConfig) error {
	sources := 0
	for _, s := range []string{j.Secret, j.PublicKey, j.JWKSURL} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("auth.jwt: exactly one of secret, public_key or jwks_url is required")
	}

	if j.JWKSURL != "" {
		u, err := url.Parse(j.JWKSURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("auth.jwt.jwks_url: invalid URL %q", j.JWKSURL)
		}
		if j.Algorithm != "" && !token.SupportedAlgorithm(j.Algorithm) {
			return fmt.Errorf("auth.jwt.algorithm: unsupported %q", j.Algorithm)
		}
	} else {
		if !token.SupportedAlgorithm(j.Algorithm) {
			return fmt.Errorf("auth.jwt.algorithm: unsupported %q", j.Algorithm)
		}
		hmac := strings.HasPrefix(j.Algorithm, "HS")
		if hmac && j.Secret == "" {
			return fmt.Errorf("auth.jwt: algorithm %s requires secret", j.Algorithm)
		}
		if !hmac && j.PublicKey == "" {
			return fmt.Errorf("auth.jwt: algorithm %s requires public_key or jwks_url", j.Algorithm)
		}
	}

	if j.Leeway < 0 {
		return fmt.Errorf("auth.jwt.leeway must be >= 0")
	}
	return nil
}
