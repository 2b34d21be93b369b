package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/authgate"
	"github.com/wudi/authgate/internal/circuitbreaker"
	"github.com/wudi/authgate/internal/enrich"
	"github.com/wudi/authgate/internal/logging"
	"github.com/wudi/authgate/internal/metrics"
	"github.com/wudi/authgate/internal/middleware"
	"github.com/wudi/authgate/internal/proxy"
	"github.com/wudi/authgate/internal/skiplist"
	"github.com/wudi/authgate/internal/token"
	"github.com/wudi/authgate/internal/tracing"
)

// Gateway is the public request path: the ordered filter chain ending in
// the upstream proxy.
type Gateway struct {
	config  *config.Config
	gate    *authgate.Gate
	proxy   *proxy.Proxy
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	keys    token.KeyProvider
	cache   *token.Cache
	breaker *circuitbreaker.Breaker
	filters *middleware.OrderedChain
	handler http.Handler
	logger  *zap.Logger
	extra   []middleware.Filter

	mu sync.RWMutex
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTracer replaces the tracer built from the tracing config.
func WithTracer(t *tracing.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithKeyProvider replaces the key provider built from the JWT config.
func WithKeyProvider(k token.KeyProvider) Option {
	return func(g *Gateway) { g.keys = k }
}

// WithFilters adds filters to the public chain. They are placed by their
// order alongside the built-in ones.
func WithFilters(fs ...middleware.Filter) Option {
	return func(g *Gateway) { g.extra = append(g.extra, fs...) }
}

// WithLogger overrides the global logger for the access log and the gate.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a gateway for cfg. A JWKS key source is fetched before New
// returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config:  cfg,
		metrics: metrics.NewCollector(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.Global()
	}

	if err := g.initTracing(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := g.initAuth(ctx); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}
	if err := g.initProxy(); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to initialize upstream: %w", err)
	}
	g.initFilters()

	return g, nil
}

func (g *Gateway) initTracing() error {
	if g.tracer != nil {
		return nil
	}
	t, err := tracing.New(g.config.Tracing)
	if err != nil {
		return err
	}
	g.tracer = t
	return nil
}

// initAuth builds the key provider, validator, enricher and the gate.
func (g *Gateway) initAuth(ctx context.Context) error {
	authCfg := g.config.Auth

	resolver, err := skiplist.New(authCfg.SkipURLs)
	if err != nil {
		return err
	}
	g.metrics.SetSkipPatterns(resolver.Len())

	if g.keys == nil {
		keys, err := token.NewKeyProvider(ctx, authCfg.JWT)
		if err != nil {
			return err
		}
		g.keys = keys
	}

	var vopts []token.ValidatorOption
	if authCfg.Cache.Enabled {
		g.cache = token.NewCache(authCfg.Cache.MaxEntries, authCfg.Cache.TTL)
		if err := g.metrics.RegisterTokenCache(g.cache); err != nil {
			return err
		}
		vopts = append(vopts, token.WithCache(g.cache))
	}
	validator, err := token.NewValidator(authCfg.JWT, g.keys, vopts...)
	if err != nil {
		return err
	}

	g.gate = authgate.New(
		resolver,
		token.NewExtractor(authCfg.Header, authCfg.Schemes),
		validator,
		enrich.New(authCfg.Identity),
		authgate.WithRealm(authCfg.Realm),
		authgate.WithObserver(g.metrics),
		authgate.WithTracer(g.tracer.Tracer()),
		authgate.WithLogger(g.logger),
	)
	return nil
}

func (g *Gateway) initProxy() error {
	popts := []proxy.Option{proxy.WithErrorHook(func(*http.Request, error) {
		g.metrics.RecordUpstreamError()
	})}
	if cbCfg := g.config.Upstream.CircuitBreaker; cbCfg.Enabled {
		g.breaker = circuitbreaker.NewBreaker(cbCfg, func(from, to string) {
			g.metrics.SetCircuitState(to)
			g.logger.Warn("upstream circuit breaker state change",
				zap.String("from", from),
				zap.String("to", to),
			)
		})
		g.metrics.SetCircuitState(g.breaker.State())
		popts = append(popts, proxy.WithBreaker(g.breaker))
	}
	p, err := proxy.New(g.config.Upstream, popts...)
	if err != nil {
		return err
	}
	g.proxy = p
	return nil
}

// initFilters assembles the public chain. Filters run in ascending order.
func (g *Gateway) initFilters() {
	filters := []middleware.Filter{
		middleware.NewFilter("recovery", middleware.OrderRecovery, middleware.Recovery()),
		middleware.NewFilter("request-id", middleware.OrderRequestID, middleware.RequestID()),
		middleware.NewFilter("tracing", tracing.OrderTracing, g.tracer.Middleware()),
		middleware.NewFilter("metrics", metrics.OrderMetrics, g.metrics.Middleware()),
		g.gate,
	}
	if g.config.Logging.AccessLog {
		filters = append(filters, middleware.NewFilter("access-log", middleware.OrderAccessLog,
			middleware.LoggingWithConfig(middleware.LoggingConfig{
				SkipPaths: g.config.Logging.SkipPaths,
				Logger:    g.logger,
			})))
	}
	filters = append(filters, g.extra...)
	g.filters = middleware.NewOrderedChain(filters...)
	g.handler = g.filters.Then(g.proxy)
}

// Handler returns the public HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Gate returns the authentication gate.
func (g *Gateway) Gate() *authgate.Gate {
	return g.gate
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Tracer returns the tracer.
func (g *Gateway) Tracer() *tracing.Tracer {
	return g.tracer
}

// TokenCache returns the verified-token cache, or nil when disabled.
func (g *Gateway) TokenCache() *token.Cache {
	return g.cache
}

// Filters returns the filter names in execution order.
func (g *Gateway) Filters() []string {
	return g.filters.Names()
}

// Config returns the configuration currently in effect.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Stats is a point-in-time summary for the admin API.
type Stats struct {
	Upstream     string           `json:"upstream"`
	Filters      []string         `json:"filters"`
	SkipPatterns int              `json:"skip_patterns"`
	TokenCache   *TokenCacheStats `json:"token_cache,omitempty"`
	Tracing      bool             `json:"tracing"`

	CircuitBreaker *circuitbreaker.BreakerSnapshot `json:"circuit_breaker,omitempty"`
}

// TokenCacheStats reports verified-token cache usage.
type TokenCacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// GetStats returns gateway statistics.
func (g *Gateway) GetStats() Stats {
	s := Stats{
		Upstream:     g.proxy.Target().String(),
		Filters:      g.Filters(),
		SkipPatterns: g.gate.Resolver().Len(),
		Tracing:      g.tracer.IsEnabled(),
	}
	if g.cache != nil {
		s.TokenCache = &TokenCacheStats{
			Entries: g.cache.Len(),
			Hits:    g.cache.Hits(),
			Misses:  g.cache.Misses(),
		}
	}
	if g.breaker != nil {
		snap := g.breaker.Snapshot()
		s.CircuitBreaker = &snap
	}
	return s
}

// Close releases the key provider's refresh loop and flushes spans.
func (g *Gateway) Close() error {
	if c, ok := g.keys.(interface{ Close() }); ok {
		c.Close()
	}
	if g.tracer != nil {
		if err := g.tracer.Close(context.Background()); err != nil {
			return fmt.Errorf("tracer close: %w", err)
		}
	}
	return nil
}
