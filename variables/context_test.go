package variables

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestContextPoolLifecycle(t *testing.T) {
	req := httptest.NewRequest("GET", "/api", nil)
	c := AcquireContext(req)
	if c.Request != req {
		t.Fatal("request not set")
	}
	if c.StartTime.IsZero() {
		t.Fatal("start time not set")
	}

	c.RequestID = "abc"
	c.Identity = &Identity{Subject: "alice"}
	ReleaseContext(c)

	if c.RequestID != "" || c.Identity != nil || c.Request != nil {
		t.Errorf("context not zeroed: %+v", c)
	}
}

func TestReleaseContextNil(t *testing.T) {
	ReleaseContext(nil)
}

func TestContextSubject(t *testing.T) {
	c := &Context{}
	if c.Subject() != "" {
		t.Error("expected empty subject without identity")
	}
	c.Identity = &Identity{Subject: "bob"}
	if c.Subject() != "bob" {
		t.Errorf("Subject() = %q", c.Subject())
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if _, ok := FromRequest(req); ok {
		t.Fatal("unexpected stored context")
	}

	stored := &Context{RequestID: "r-1"}
	req = req.WithContext(context.WithValue(req.Context(), RequestContextKey{}, stored))
	if got, ok := FromRequest(req); !ok || got != stored {
		t.Error("FromRequest did not return the stored context")
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "10.0.0.1:5555", "10.0.0.1"},
		{"remote without port", nil, "10.0.0.1", "10.0.0.1"},
		{"xff single", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "10.0.0.1:1", "1.2.3.4"},
		{"xff chain", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "10.0.0.1:1", "1.2.3.4"},
		{"x-real-ip", map[string]string{"X-Real-IP": "9.9.9.9"}, "10.0.0.1:1", "9.9.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ExtractClientIP(req); got != tt.want {
				t.Errorf("ExtractClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
