package enrich

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/token"
)

func defaultIdentity() config.IdentityConfig {
	return config.DefaultConfig().Auth.Identity
}

func TestEnrichAddsSubject(t *testing.T) {
	e := New(defaultIdentity())

	req := httptest.NewRequest("POST", "/api/orders", strings.NewReader(`{"id":1}`))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Trace", "abc")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Accept", "text/plain")

	out, err := e.Enrich(req, token.Claims{"username": "alice"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if got := out.Header.Get("username"); got != "alice" {
		t.Errorf("username = %q, want alice", got)
	}
	if out.Header.Get("X-Trace") != "abc" || out.Header.Get("Authorization") != "Bearer tok" {
		t.Errorf("original headers not preserved: %v", out.Header)
	}
	if len(out.Header.Values("Accept")) != 2 {
		t.Errorf("multi-value header lost: %v", out.Header.Values("Accept"))
	}

	// Input untouched.
	if req.Header.Get("username") != "" {
		t.Error("input request was mutated")
	}
	if out == req {
		t.Error("expected a new request value")
	}

	body, _ := io.ReadAll(out.Body)
	if string(body) != `{"id":1}` {
		t.Errorf("body changed: %q", body)
	}
	if out.URL.Path != "/api/orders" || out.Method != "POST" {
		t.Errorf("request line changed: %s %s", out.Method, out.URL.Path)
	}
}

func TestEnrichMissingSubjectPolicies(t *testing.T) {
	claims := token.Claims{"sub": "only-sub"}

	t.Run("placeholder default", func(t *testing.T) {
		e := New(defaultIdentity())
		out, err := e.Enrich(httptest.NewRequest("GET", "/", nil), claims)
		if err != nil {
			t.Fatal(err)
		}
		if got := out.Header.Get("username"); got != "null" {
			t.Errorf("username = %q, want null", got)
		}
	})

	t.Run("custom placeholder", func(t *testing.T) {
		cfg := defaultIdentity()
		cfg.Placeholder = "anonymous"
		out, _ := New(cfg).Enrich(httptest.NewRequest("GET", "/", nil), claims)
		if got := out.Header.Get("username"); got != "anonymous" {
			t.Errorf("username = %q, want anonymous", got)
		}
	})

	t.Run("omit", func(t *testing.T) {
		cfg := defaultIdentity()
		cfg.MissingClaim = config.MissingClaimOmit
		out, err := New(cfg).Enrich(httptest.NewRequest("GET", "/", nil), claims)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := out.Header["Username"]; ok {
			t.Error("header should be omitted")
		}
	})

	t.Run("reject", func(t *testing.T) {
		cfg := defaultIdentity()
		cfg.MissingClaim = config.MissingClaimReject
		_, err := New(cfg).Enrich(httptest.NewRequest("GET", "/", nil), claims)
		if !errors.Is(err, ErrMissingSubject) {
			t.Fatalf("expected ErrMissingSubject, got %v", err)
		}
	})

	t.Run("null claim is absent", func(t *testing.T) {
		out, _ := New(defaultIdentity()).Enrich(httptest.NewRequest("GET", "/", nil), token.Claims{"username": nil})
		if got := out.Header.Get("username"); got != "null" {
			t.Errorf("username = %q, want null", got)
		}
	})
}

func TestEnrichNonStringSubject(t *testing.T) {
	out, err := New(defaultIdentity()).Enrich(httptest.NewRequest("GET", "/", nil), token.Claims{"username": float64(10042)})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Header.Get("username"); got != "10042" {
		t.Errorf("username = %q, want 10042", got)
	}
}

func TestEnrichStripsSpoofedHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Add("username", "root")
	req.Header.Add("username", "admin")

	out, _ := New(defaultIdentity()).Enrich(req, token.Claims{"username": "alice"})
	if vals := out.Header.Values("username"); len(vals) != 1 || vals[0] != "alice" {
		t.Errorf("username values = %v, want [alice]", vals)
	}

	cfg := defaultIdentity()
	cfg.StripInbound = false
	cfg.MissingClaim = config.MissingClaimOmit
	out, _ = New(cfg).Enrich(req, token.Claims{})
	if vals := out.Header.Values("username"); len(vals) != 2 {
		t.Errorf("expected client headers kept without stripping, got %v", vals)
	}
}

func TestEnrichPropagatesExtraClaims(t *testing.T) {
	cfg := defaultIdentity()
	cfg.Propagate = map[string]string{
		"tenant":     "x-tenant-id",
		"realm.role": "x-role",
		"missing":    "x-missing",
	}
	e := New(cfg)

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("X-Tenant-Id", "spoofed")

	out, err := e.Enrich(req, token.Claims{
		"username": "alice",
		"tenant":   "acme",
		"realm":    map[string]any{"role": "ops"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Header.Get("X-Tenant-Id") != "acme" {
		t.Errorf("tenant = %q", out.Header.Get("X-Tenant-Id"))
	}
	if out.Header.Get("X-Role") != "ops" {
		t.Errorf("role = %q", out.Header.Get("X-Role"))
	}
	if _, ok := out.Header["X-Missing"]; ok {
		t.Error("absent claim should not produce a header")
	}
	if req.Header.Get("X-Tenant-Id") != "spoofed" {
		t.Error("input request mutated")
	}
}

func TestCustomHeaderAndClaim(t *testing.T) {
	cfg := defaultIdentity()
	cfg.Header = "x-user"
	cfg.Claim = "sub"
	e := New(cfg)
	if e.Header() != "X-User" {
		t.Errorf("Header() = %q", e.Header())
	}
	out, _ := e.Enrich(httptest.NewRequest("GET", "/", nil), token.Claims{"sub": "bob"})
	if out.Header.Get("X-User") != "bob" {
		t.Errorf("X-User = %q", out.Header.Get("X-User"))
	}
}

func TestNewDefaults(t *testing.T) {
	e := New(config.IdentityConfig{})
	out, _ := e.Enrich(httptest.NewRequest("GET", "/", nil), token.Claims{})
	if out.Header.Get("username") != "null" {
		t.Errorf("zero config should use the placeholder policy, got %q", out.Header.Get("username"))
	}
}
