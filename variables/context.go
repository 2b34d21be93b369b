// Package variables carries per-request state shared between the outer
// middleware layers (request ID, access log) and the auth gate.
package variables

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Identity is the verified caller attached by the auth gate.
type Identity struct {
	Subject  string
	AuthType string // "jwt"
	Claims   map[string]interface{}
}

// Context holds per-request values. It is owned by the request goroutine;
// the gate's decision goroutine never touches it.
type Context struct {
	Request       *http.Request
	RequestID     string
	Identity      *Identity
	StartTime     time.Time
	ResponseTime  time.Duration
	Status        int
	BodyBytesSent int64

	// Auth outcome, set after the gate decides ("forwarded", "rejected").
	AuthOutcome string
	AuthReason  string

	UpstreamAddr string
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// AcquireContext gets a Context from the pool and initialises it for r.
func AcquireContext(r *http.Request) *Context {
	c := contextPool.Get().(*Context)
	c.Request = r
	c.StartTime = time.Now()
	return c
}

// ReleaseContext zeroes all fields and returns c to the pool.
// The caller must ensure no goroutine reads from c after this call.
func ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// Subject returns the authenticated subject, or "" when the request was not
// authenticated.
func (c *Context) Subject() string {
	if c.Identity == nil {
		return ""
	}
	return c.Identity.Subject
}

// RequestContextKey is the context key for storing variable context
type RequestContextKey struct{}

// FromRequest returns the variable context stored on r, if any.
func FromRequest(r *http.Request) (*Context, bool) {
	c, ok := r.Context().Value(RequestContextKey{}).(*Context)
	return c, ok
}

// ExtractClientIP returns the client address, preferring X-Forwarded-For
// and X-Real-IP over RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
