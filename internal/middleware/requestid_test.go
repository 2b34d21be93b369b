package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/authgate/variables"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RequestIDConfig
		inbound string
		want    string // "" means a generated UUID
	}{
		{"generates", DefaultRequestIDConfig, "", ""},
		{"trusts inbound", DefaultRequestIDConfig, "req-abc-123", "req-abc-123"},
		{"ignores inbound when untrusted", RequestIDConfig{}, "req-abc-123", ""},
		{"rejects spaces", DefaultRequestIDConfig, "a b", ""},
		{"rejects control characters", DefaultRequestIDConfig, "id\x1bx", ""},
		{"rejects overlong", DefaultRequestIDConfig, strings.Repeat("a", maxRequestIDLen+1), ""},
		{"custom generator", RequestIDConfig{Generator: func() string { return "fixed" }}, "", "fixed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID, upstreamID string
			h := RequestIDWithConfig(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if varCtx, ok := variables.FromRequest(r); ok {
					ctxID = varCtx.RequestID
				}
				upstreamID = r.Header.Get(RequestIDHeader)
			}))

			req := httptest.NewRequest("GET", "/api", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader)
			if tt.want != "" && got != tt.want {
				t.Errorf("response id = %q, want %q", got, tt.want)
			}
			if tt.want == "" && (len(got) != 36 || got == tt.inbound) {
				t.Errorf("response id = %q, want a fresh uuid", got)
			}
			if ctxID != got || upstreamID != got {
				t.Errorf("context id %q, upstream header %q, response %q", ctxID, upstreamID, got)
			}
			if in := req.Header.Get(RequestIDHeader); in != tt.inbound {
				t.Errorf("caller's header changed to %q", in)
			}
		})
	}
}

func TestRequestIDSharesVariablesContext(t *testing.T) {
	var outer, inner *variables.Context
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outer, _ = variables.FromRequest(r)
		outer.AuthOutcome = "forwarded"
		inner, _ = variables.FromRequest(r.WithContext(r.Context()))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if outer == nil || outer != inner {
		t.Fatal("handlers should see the context stored by RequestID")
	}
	// Released to the pool once the chain returned.
	if outer.AuthOutcome != "" || outer.RequestID != "" {
		t.Errorf("context not reset on release: %+v", outer)
	}
}
