package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/logging"
)

// ContentType is sent with every error body.
const ContentType = "application/json;charset=UTF-8"

// Canonical rejection messages.
const (
	MsgTokenMissing = "token missing"
	MsgUnauthorized = "unauthorized"
)

// GatewayError is the JSON body written for refused or failed requests:
// {"code":401,"msg":"token missing"}.
type GatewayError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *GatewayError) Error() string {
	return e.Msg
}

// marshal is swapped in tests to exercise the serialization failure path.
var marshal = json.Marshal

// WriteJSON writes the status, content type and JSON body. If the body
// cannot be serialized the failure is logged and the status is still sent
// with an empty body.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ContentType)
	body, ok := preSerialized[e]
	if !ok {
		var err error
		body, err = marshal(e)
		if err != nil {
			logging.Error("failed to serialize error body",
				zap.Int("code", e.Code),
				zap.String("msg", e.Msg),
				zap.Error(err),
			)
			body = nil
		}
	}
	w.WriteHeader(e.Code)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

// Common errors
var (
	ErrTokenMissing = Reject(MsgTokenMissing)
	ErrUnauthorized = Reject(MsgUnauthorized)

	ErrNotFound = &GatewayError{
		Code: http.StatusNotFound,
		Msg:  "not found",
	}

	ErrBadGateway = &GatewayError{
		Code: http.StatusBadGateway,
		Msg:  "bad gateway",
	}

	ErrGatewayTimeout = &GatewayError{
		Code: http.StatusGatewayTimeout,
		Msg:  "gateway timeout",
	}

	ErrInternalServer = &GatewayError{
		Code: http.StatusInternalServerError,
		Msg:  "internal server error",
	}

	ErrServiceUnavailable = &GatewayError{
		Code: http.StatusServiceUnavailable,
		Msg:  "service unavailable",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrTokenMissing, ErrUnauthorized, ErrNotFound,
		ErrBadGateway, ErrGatewayTimeout, ErrInternalServer,
		ErrServiceUnavailable,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, msg string) *GatewayError {
	return &GatewayError{
		Code: code,
		Msg:  msg,
	}
}

// Reject creates a 401 rejection with the given message.
func Reject(msg string) *GatewayError {
	return New(http.StatusUnauthorized, msg)
}
