// Package gateway embeds authgate in another program: build a Server from a
// Config and, optionally, custom filters placed around the auth gate.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	igw "github.com/wudi/authgate/internal/gateway"
)

// ReloadResult describes the outcome of a config reload.
type ReloadResult = igw.ReloadResult

// Builder constructs a Server with custom filters.
type Builder struct {
	cfg        *Config
	configPath string
	filters    []Filter
}

// New creates a Builder for cfg.
func New(cfg *Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithConfigPath sets the YAML file that is watched and reloaded.
func (b *Builder) WithConfigPath(path string) *Builder {
	b.configPath = path
	return b
}

// AddFilter registers a custom filter. A filter ordered below OrderAuthGate
// sees every request; one ordered above it only sees admitted requests.
func (b *Builder) AddFilter(f Filter) *Builder {
	b.filters = append(b.filters, f)
	return b
}

// Build validates the filters against the configuration and constructs
// the server. ctx bounds the initial JWKS fetch.
func (b *Builder) Build(ctx context.Context) (*Server, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	for _, f := range b.filters {
		if cv, ok := f.(ConfigValidator); ok {
			if err := cv.ValidateConfig(b.cfg); err != nil {
				return nil, fmt.Errorf("filter %q config validation: %w", f.Name(), err)
			}
		}
	}

	srv, err := igw.NewServer(ctx, b.cfg, b.configPath, igw.WithFilters(b.filters...))
	if err != nil {
		return nil, err
	}
	return &Server{internal: srv}, nil
}

// Server wraps the internal server with a public API.
type Server struct {
	internal *igw.Server
}

// Run starts the server and blocks until SIGINT or SIGTERM.
func (s *Server) Run() error {
	return s.internal.Run()
}

// Start starts the server without blocking.
func (s *Server) Start() error {
	return s.internal.Start()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.internal.Shutdown(timeout)
}

// Handler returns the public handler, useful for testing or embedding in
// another server.
func (s *Server) Handler() http.Handler {
	return s.internal.Handler()
}

// Filters returns the filter names in execution order.
func (s *Server) Filters() []string {
	return s.internal.Gateway().Filters()
}

// ReloadConfig reloads the config file.
func (s *Server) ReloadConfig() ReloadResult {
	return s.internal.ReloadConfig()
}

// Reload applies cfg without reading the config file.
func (s *Server) Reload(cfg *Config) ReloadResult {
	return s.internal.ReloadWithConfig(cfg)
}
