// Package config defines the authgate configuration schema and its defaults.
package config

import "time"

// Config is the root configuration structure
type Config struct {
	Listener ListenerConfig `yaml:"listener"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Admin    AdminConfig    `yaml:"admin"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ListenerConfig defines the public HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig defines the backend that admitted requests are forwarded to.
type UpstreamConfig struct {
	URL                string        `yaml:"url"`
	Timeout            time.Duration `yaml:"timeout"`
	FlushInterval      time.Duration `yaml:"flush_interval"` // -1 flushes immediately
	PreserveHost       bool          `yaml:"preserve_host"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig stops forwarding to an upstream that keeps failing.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures that open the circuit
	MaxRequests      int           `yaml:"max_requests"`      // probes allowed while half-open
	Timeout          time.Duration `yaml:"timeout"`           // open duration before probing
}

// AuthConfig configures the authentication gate.
type AuthConfig struct {
	// Header carrying the credential (default Authorization).
	Header string `yaml:"header"`
	// Schemes are the prefixes stripped from the header value (default Bearer).
	Schemes []string `yaml:"schemes"`
	// SkipURLs are ant-style patterns merged with the built-in bypass list.
	SkipURLs []string `yaml:"skip_urls"`
	// Realm is sent in WWW-Authenticate on rejection; empty disables the header.
	Realm    string         `yaml:"realm"`
	JWT      JWTConfig      `yaml:"jwt"`
	Identity IdentityConfig `yaml:"identity"`
	Cache    CacheConfig    `yaml:"cache"`
}

// JWTConfig configures credential verification. Exactly one of Secret,
// PublicKey or JWKSURL provides the key material.
type JWTConfig struct {
	Algorithm     string        `yaml:"algorithm"`
	Secret        string        `yaml:"secret" redact:"true"`
	PublicKey     string        `yaml:"public_key"`
	JWKSURL       string        `yaml:"jwks_url"`
	JWKSRefresh   time.Duration `yaml:"jwks_refresh"`
	Issuer        string        `yaml:"issuer"`
	Audience      []string      `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
	RequireExpiry bool          `yaml:"require_exp"`
}

// Missing subject claim policies.
const (
	MissingClaimPlaceholder = "placeholder"
	MissingClaimOmit        = "omit"
	MissingClaimReject      = "reject"
)

// IdentityConfig controls how the verified identity is forwarded.
type IdentityConfig struct {
	Header       string            `yaml:"header"`
	Claim        string            `yaml:"claim"`
	MissingClaim string            `yaml:"missing_claim"` // placeholder, omit, reject
	Placeholder  string            `yaml:"placeholder"`
	StripInbound bool              `yaml:"strip_inbound"`
	Propagate    map[string]string `yaml:"propagate"` // claim (dot notation) -> header
}

// CacheConfig configures the verified-token cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`

	// AccessLog writes one entry per request on the public listener.
	AccessLog bool     `yaml:"access_log"`
	SkipPaths []string `yaml:"skip_paths"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
// MaxSize is in megabytes and MaxAge in days.
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"`
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// AdminConfig defines the admin listener
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	Metrics     bool   `yaml:"metrics"`
	MetricsPath string `yaml:"metrics_path"`
}

// TracingConfig defines OpenTelemetry export settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers" redact:"true"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   15 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				MaxRequests:      1,
				Timeout:          30 * time.Second,
			},
		},
		Auth: AuthConfig{
			Header:  "Authorization",
			Schemes: []string{"Bearer"},
			JWT: JWTConfig{
				Algorithm:     "HS256",
				JWKSRefresh:   time.Hour,
				RequireExpiry: true,
			},
			Identity: IdentityConfig{
				Header:       "username",
				Claim:        "username",
				MissingClaim: MissingClaimPlaceholder,
				Placeholder:  "null",
				StripInbound: true,
			},
			Cache: CacheConfig{
				MaxEntries: 10000,
				TTL:        5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Output:    "stdout",
			AccessLog: true,
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Admin: AdminConfig{
			Enabled:     true,
			Address:     ":8081",
			Metrics:     true,
			MetricsPath: "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "authgate",
			SampleRate:  1.0,
		},
	}
}
