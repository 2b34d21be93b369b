package gateway

import (
	"net/http"

	"github.com/wudi/authgate/internal/authgate"
	"github.com/wudi/authgate/internal/metrics"
	"github.com/wudi/authgate/internal/middleware"
	"github.com/wudi/authgate/internal/tracing"
)

// Middleware wraps an http.Handler.
type Middleware = func(http.Handler) http.Handler

// Filter is a middleware with a name and a position in the public chain.
// Lower orders run first.
type Filter = middleware.Filter

// Orders of the built-in filters. A custom filter is placed relative to
// them by its own order; ties keep registration order.
const (
	OrderRecovery  = middleware.OrderRecovery
	OrderRequestID = middleware.OrderRequestID
	OrderTracing   = tracing.OrderTracing
	OrderMetrics   = metrics.OrderMetrics
	OrderAccessLog = middleware.OrderAccessLog
	OrderAuthGate  = authgate.Order
)

// Names of the built-in filters as reported by the admin stats endpoint.
const (
	FilterRecovery  = "recovery"
	FilterRequestID = "request-id"
	FilterTracing   = "tracing"
	FilterMetrics   = "metrics"
	FilterAccessLog = "access-log"
	FilterAuthGate  = authgate.Name
)

// NewFilter creates a Filter from a middleware function.
func NewFilter(name string, order int, mw Middleware) Filter {
	return middleware.NewFilter(name, order, mw)
}

// ConfigValidator is an optional interface for filters that check the
// configuration at Build time.
type ConfigValidator interface {
	ValidateConfig(cfg *Config) error
}
