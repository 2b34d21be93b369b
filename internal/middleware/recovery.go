package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/errors"
	"github.com/wudi/authgate/internal/logging"
)

// OrderRecovery puts panic recovery outside every other filter.
const OrderRecovery = -1000

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack captures the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(r *http.Request, err interface{}, stack []byte)
}

// DefaultRecoveryConfig provides default recovery settings
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultLogFunc,
}

func defaultLogFunc(r *http.Request, err interface{}, stack []byte) {
	logging.Error("Panic recovered",
		zap.Any("error", err),
		zap.String("request_id", r.Header.Get(RequestIDHeader)),
		zap.String("path", r.URL.Path),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware with custom config.
// A panic anywhere downstream becomes a 500 JSON error.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}

					var stack []byte
					if cfg.PrintStack {
						stack = debug.Stack()
					}
					if cfg.LogFunc != nil {
						cfg.LogFunc(r, err, stack)
					}

					errors.ErrInternalServer.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
