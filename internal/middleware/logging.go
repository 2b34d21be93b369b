package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/logging"
	"github.com/wudi/authgate/variables"
)

// OrderAccessLog wraps the gate so rejections are logged too.
const OrderAccessLog = -500

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// LoggingConfig configures the logging middleware
type LoggingConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
	// Logger overrides the global logger
	Logger *zap.Logger
}

// Logging creates an access log middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates an access log middleware. Entries include the
// auth outcome and, for authenticated requests, the subject.
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.wrote = false

			next.ServeHTTP(lrw, r)

			duration := time.Since(start)

			varCtx, hasVars := variables.FromRequest(r)

			var fields [14]zap.Field
			n := 0
			fields[n] = zap.String("remote_addr", variables.ExtractClientIP(r)); n++
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.String("path", r.URL.Path); n++
			fields[n] = zap.Int("status", lrw.status); n++
			fields[n] = zap.Int64("body_bytes", lrw.bytes); n++
			fields[n] = zap.Duration("response_time", duration); n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery); n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua); n++
			}
			if !lrw.wrote {
				fields[n] = zap.Bool("abandoned", true); n++
			}
			if hasVars {
				varCtx.Status = lrw.status
				varCtx.BodyBytesSent = lrw.bytes
				varCtx.ResponseTime = duration

				fields[n] = zap.String("request_id", varCtx.RequestID); n++
				if varCtx.AuthOutcome != "" {
					fields[n] = zap.String("auth_outcome", varCtx.AuthOutcome); n++
					fields[n] = zap.String("auth_reason", varCtx.AuthReason); n++
				}
				if varCtx.Identity != nil {
					fields[n] = zap.String("subject", varCtx.Identity.Subject); n++
				}
				if varCtx.UpstreamAddr != "" {
					fields[n] = zap.String("upstream_addr", varCtx.UpstreamAddr); n++
				}
			}

			logger := cfg.Logger
			if logger == nil {
				logger = logging.Global()
			}
			logger.Info("HTTP request", fields[:n]...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
	wrote  bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.wrote = true
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wrote = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		lrw.wrote = true
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
