package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/wudi/authgate/variables"
)

func init() {
	uuid.EnableRandPool()
}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// OrderRequestID runs just inside panic recovery.
const OrderRequestID = -950

// maxRequestIDLen bounds a client-supplied ID before it reaches the logs.
const maxRequestIDLen = 128

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	// Header carrying the ID in both directions (default X-Request-ID).
	Header string
	// Generator mints IDs (default random UUIDs).
	Generator func() string
	// TrustHeader keeps a well-formed inbound ID instead of minting one.
	TrustHeader bool
}

// DefaultRequestIDConfig trusts inbound IDs and generates UUIDs otherwise.
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      RequestIDHeader,
	Generator:   newUUID,
	TrustHeader: true,
}

func newUUID() string {
	return uuid.NewString()
}

// RequestID creates a request ID middleware with default config
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig assigns every request an ID, sets it on the response
// and on a copy of the request headers (so the upstream sees it), and stores
// it in a pooled variables.Context that lives until the rest of the chain
// returns. The caller's header map is left as it was.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = RequestIDHeader
	}
	if cfg.Generator == nil {
		cfg.Generator = newUUID
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cfg.TrustHeader {
				if in := r.Header.Get(cfg.Header); validRequestID(in) {
					id = in
				}
			}
			if id == "" {
				id = cfg.Generator()
			}
			w.Header().Set(cfg.Header, id)

			varCtx := variables.AcquireContext(r)
			defer variables.ReleaseContext(varCtx)
			varCtx.RequestID = id

			out := r.WithContext(context.WithValue(r.Context(), variables.RequestContextKey{}, varCtx))
			if r.Header.Get(cfg.Header) != id {
				out.Header = r.Header.Clone()
				if out.Header == nil {
					out.Header = make(http.Header)
				}
				out.Header.Set(cfg.Header, id)
			}
			next.ServeHTTP(w, out)
		})
	}
}

// validRequestID accepts non-empty printable ASCII without spaces, up to
// maxRequestIDLen bytes.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
