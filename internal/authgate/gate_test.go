package authgate

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/enrich"
	"github.com/wudi/authgate/internal/middleware"
	"github.com/wudi/authgate/internal/skiplist"
	"github.com/wudi/authgate/internal/token"
	"github.com/wudi/authgate/variables"
)

const testSecret = "gate-test-secret"

func mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return s
}

func validToken(t *testing.T, subject string) string {
	return mint(t, jwt.MapClaims{"username": subject, "exp": time.Now().Add(time.Hour).Unix()})
}

func expiredToken(t *testing.T, subject string) string {
	return mint(t, jwt.MapClaims{"username": subject, "exp": time.Now().Add(-time.Hour).Unix()})
}

type gateOpts struct {
	skip     []string
	identity *config.IdentityConfig
	opts     []Option
}

func newGate(t *testing.T, o gateOpts) *Gate {
	t.Helper()
	resolver, err := skiplist.New(o.skip)
	if err != nil {
		t.Fatalf("skiplist.New: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Auth.JWT.Secret = testSecret

	keys, err := token.NewHMACProvider(testSecret, "HS256")
	if err != nil {
		t.Fatal(err)
	}
	validator, err := token.NewValidator(cfg.Auth.JWT, keys)
	if err != nil {
		t.Fatal(err)
	}
	identity := cfg.Auth.Identity
	if o.identity != nil {
		identity = *o.identity
	}
	return New(resolver, token.NewExtractor(cfg.Auth.Header, cfg.Auth.Schemes), validator, enrich.New(identity), o.opts...)
}

// downstream records the request it receives.
type downstream struct {
	called bool
	req    *http.Request
}

func (d *downstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.called = true
	d.req = r
	w.WriteHeader(http.StatusOK)
}

func TestScenarios(t *testing.T) {
	g := newGate(t, gateOpts{})

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantBody   string
		wantUser   string
		wantPath   string
		forwarded  bool
	}{
		{
			name:       "bypass path without credential",
			path:       "/captcha/generate",
			wantStatus: http.StatusOK,
			forwarded:  true,
		},
		{
			name:       "protected path without credential",
			path:       "/api/orders",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"code":401,"msg":"token missing"}`,
		},
		{
			name:       "valid credential",
			path:       "/api/orders",
			header:     "Bearer " + validToken(t, "bob"),
			wantStatus: http.StatusOK,
			wantUser:   "bob",
			forwarded:  true,
		},
		{
			name:       "expired credential",
			path:       "/api/orders",
			header:     "Bearer " + expiredToken(t, "bob"),
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"code":401,"msg":"unauthorized"}`,
		},
		{
			name:       "malformed credential",
			path:       "/api/orders",
			header:     "Bearer not.a.jwt",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"code":401,"msg":"unauthorized"}`,
		},
		{
			name:       "scheme without credential",
			path:       "/api/orders",
			header:     "Bearer ",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"code":401,"msg":"token missing"}`,
		},
		{
			name:       "whitespace header",
			path:       "/api/orders",
			header:     "   ",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"code":401,"msg":"token missing"}`,
		},
		{
			name:       "lowercase scheme",
			path:       "/api/orders",
			header:     "bearer " + validToken(t, "carol"),
			wantStatus: http.StatusOK,
			wantUser:   "carol",
			forwarded:  true,
		},
		{
			name:       "credential without scheme",
			path:       "/api/orders",
			header:     validToken(t, "dave"),
			wantStatus: http.StatusOK,
			wantUser:   "dave",
			forwarded:  true,
		},
		{
			name:       "bypass root of token endpoint",
			path:       "/token",
			wantStatus: http.StatusOK,
			forwarded:  true,
		},
		{
			name:       "bypass ignores an invalid credential",
			path:       "/oauth/callback",
			header:     "Bearer garbage",
			wantStatus: http.StatusOK,
			forwarded:  true,
		},
		{
			name:       "prefix of a bypass pattern is protected",
			path:       "/tokens",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"code":401,"msg":"token missing"}`,
		},
		{
			name:       "dot segments leaving a bypass prefix",
			path:       "/token/../api/orders",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"code":401,"msg":"token missing"}`,
		},
		{
			name:       "encoded dot segments leaving a bypass prefix",
			path:       "/captcha/%2e%2e/api/orders",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"code":401,"msg":"token missing"}`,
		},
		{
			name:       "dot segments entering a bypass prefix",
			path:       "/api/../token/login",
			wantStatus: http.StatusOK,
			wantPath:   "/token/login",
			forwarded:  true,
		},
		{
			name:       "current directory segment",
			path:       "/api/./orders/",
			header:     "Bearer " + validToken(t, "erin"),
			wantStatus: http.StatusOK,
			wantUser:   "erin",
			wantPath:   "/api/orders/",
			forwarded:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &downstream{}
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			g.Middleware()(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if next.called != tt.forwarded {
				t.Fatalf("forwarded = %v, want %v", next.called, tt.forwarded)
			}
			if tt.wantBody != "" {
				if rr.Body.String() != tt.wantBody {
					t.Errorf("body = %q, want %q", rr.Body.String(), tt.wantBody)
				}
				if ct := rr.Header().Get("Content-Type"); ct != "application/json;charset=UTF-8" {
					t.Errorf("Content-Type = %q", ct)
				}
			}
			if tt.forwarded {
				if got := next.req.Header.Get("username"); got != tt.wantUser {
					t.Errorf("username = %q, want %q", got, tt.wantUser)
				}
				if tt.wantPath != "" && next.req.URL.Path != tt.wantPath {
					t.Errorf("forwarded path = %q, want %q", next.req.URL.Path, tt.wantPath)
				}
				if next.req.URL.RawPath != "" && tt.wantPath != "" {
					t.Errorf("forwarded raw path = %q", next.req.URL.RawPath)
				}
			}
			if req.Header.Get("username") != "" {
				t.Error("inbound request was mutated")
			}
		})
	}
}

func TestOrder(t *testing.T) {
	if Order != -100 {
		t.Fatalf("Order = %d, want -100", Order)
	}
	g := newGate(t, gateOpts{})
	if g.Order() != -100 || g.Name() != "authgate" {
		t.Errorf("Order() = %d, Name() = %q", g.Order(), g.Name())
	}

	var f middleware.Filter = g
	chain := middleware.NewOrderedChain(
		middleware.NewFilter("routing", 0, nil),
		f,
		middleware.NewFilter("recovery", middleware.OrderRecovery, nil),
	)
	names := chain.Names()
	if names[0] != "recovery" || names[1] != "authgate" || names[2] != "routing" {
		t.Errorf("chain order = %v", names)
	}
}

func TestDecideBypassForwardsOriginal(t *testing.T) {
	g := newGate(t, gateOpts{})
	req := httptest.NewRequest("POST", "/captcha/check", nil)
	req.Header.Set("username", "client-value")

	d := g.Decide(context.Background(), req)
	if d.Outcome != Forwarded || d.Reason != ReasonSkip {
		t.Fatalf("decision = %v/%s", d.Outcome, d.Reason)
	}
	if d.Request != req {
		t.Error("bypassed request must be forwarded unchanged")
	}
	if d.Request.Header.Get("username") != "client-value" {
		t.Error("bypassed request headers changed")
	}
}

func TestDecideAuthenticated(t *testing.T) {
	g := newGate(t, gateOpts{})
	req := httptest.NewRequest("GET", "/api/orders?id=7", nil)
	req.Header.Set("Authorization", "Bearer "+validToken(t, "bob"))
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("username", "mallory")

	d := g.Decide(context.Background(), req)
	if d.Outcome != Forwarded || d.Reason != ReasonAuthenticated {
		t.Fatalf("decision = %v/%s err=%v", d.Outcome, d.Reason, d.Err)
	}
	if d.Subject != "bob" {
		t.Errorf("Subject = %q", d.Subject)
	}
	if d.Request == req {
		t.Fatal("authenticated request should be a copy")
	}
	out := d.Request
	if vals := out.Header.Values("username"); len(vals) != 1 || vals[0] != "bob" {
		t.Errorf("username = %v, want [bob]", vals)
	}
	if out.Header.Get("X-Custom") != "kept" || out.Header.Get("Authorization") == "" {
		t.Errorf("headers not preserved: %v", out.Header)
	}
	if out.URL.RawQuery != "id=7" || out.Method != "GET" {
		t.Errorf("request line changed: %s %s", out.Method, out.URL)
	}
	if req.Header.Get("username") != "mallory" {
		t.Error("inbound request was mutated")
	}
}

func TestDecideRejections(t *testing.T) {
	g := newGate(t, gateOpts{})

	t.Run("missing", func(t *testing.T) {
		d := g.Decide(context.Background(), httptest.NewRequest("GET", "/api", nil))
		if d.Outcome != Rejected || d.Reason != ReasonTokenMissing || d.Request != nil {
			t.Fatalf("decision = %+v", d)
		}
		if !stderrors.Is(d.Err, token.ErrMissingToken) {
			t.Errorf("Err = %v", d.Err)
		}
		if d.Rejection.Code != http.StatusUnauthorized || d.Rejection.Msg != "token missing" {
			t.Errorf("Rejection = %+v", d.Rejection)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api", nil)
		req.Header.Set("Authorization", "Bearer "+expiredToken(t, "bob"))
		d := g.Decide(context.Background(), req)
		if d.Outcome != Rejected || d.Reason != ReasonTokenInvalid {
			t.Fatalf("decision = %+v", d)
		}
		if !stderrors.Is(d.Err, token.ErrInvalidToken) || !stderrors.Is(d.Err, jwt.ErrTokenExpired) {
			t.Errorf("Err = %v", d.Err)
		}
		if d.Rejection.Msg != "unauthorized" {
			t.Errorf("Msg = %q", d.Rejection.Msg)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"username": "eve", "exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("another-secret"))
		req := httptest.NewRequest("GET", "/api", nil)
		req.Header.Set("Authorization", "Bearer "+s)
		if d := g.Decide(context.Background(), req); d.Reason != ReasonTokenInvalid {
			t.Errorf("reason = %s", d.Reason)
		}
	})
}

func TestMissingSubjectPolicies(t *testing.T) {
	noSubject := func(t *testing.T) *http.Request {
		req := httptest.NewRequest("GET", "/api", nil)
		req.Header.Set("Authorization", "Bearer "+mint(t, jwt.MapClaims{
			"sub": "x", "exp": time.Now().Add(time.Hour).Unix(),
		}))
		return req
	}

	t.Run("placeholder", func(t *testing.T) {
		d := newGate(t, gateOpts{}).Decide(context.Background(), noSubject(t))
		if d.Outcome != Forwarded || d.Request.Header.Get("username") != "null" {
			t.Errorf("decision = %v, username = %q", d.Outcome, d.Request.Header.Get("username"))
		}
	})

	t.Run("reject", func(t *testing.T) {
		id := config.DefaultConfig().Auth.Identity
		id.MissingClaim = config.MissingClaimReject
		d := newGate(t, gateOpts{identity: &id}).Decide(context.Background(), noSubject(t))
		if d.Outcome != Rejected || d.Reason != ReasonSubjectMissing {
			t.Fatalf("decision = %v/%s", d.Outcome, d.Reason)
		}
		if !stderrors.Is(d.Err, enrich.ErrMissingSubject) || d.Rejection.Msg != "unauthorized" {
			t.Errorf("Err = %v, Msg = %q", d.Err, d.Rejection.Msg)
		}
	})
}

func TestConfiguredSkipURLs(t *testing.T) {
	g := newGate(t, gateOpts{skip: []string{"/public/**", "/health"}})

	for _, path := range []string{"/public", "/public/a/b", "/health", "/token/refresh"} {
		if d := g.Decide(context.Background(), httptest.NewRequest("GET", path, nil)); d.Outcome != Forwarded {
			t.Errorf("%s: outcome = %v", path, d.Outcome)
		}
	}
	if d := g.Decide(context.Background(), httptest.NewRequest("GET", "/health/deep", nil)); d.Outcome != Rejected {
		t.Errorf("/health/deep: outcome = %v", d.Outcome)
	}
}

func TestSetResolver(t *testing.T) {
	g := newGate(t, gateOpts{})
	req := httptest.NewRequest("GET", "/docs/index.html", nil)
	if d := g.Decide(context.Background(), req); d.Outcome != Rejected {
		t.Fatalf("expected rejection before reload, got %v", d.Outcome)
	}

	r, err := skiplist.New([]string{"/docs/**"})
	if err != nil {
		t.Fatal(err)
	}
	g.SetResolver(r)
	if g.Resolver() != r {
		t.Error("Resolver() did not return the new snapshot")
	}
	if d := g.Decide(context.Background(), req); d.Outcome != Forwarded {
		t.Errorf("expected bypass after reload, got %v", d.Outcome)
	}

	g.SetResolver(nil)
	if g.Resolver() != r {
		t.Error("nil resolver should be ignored")
	}
}

func TestCancelledBeforeDecision(t *testing.T) {
	g := newGate(t, gateOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/api", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+validToken(t, "bob"))

	d := <-g.Submit(ctx, req)
	if d.Outcome != Abandoned || d.Reason != ReasonCancelled {
		t.Fatalf("decision = %v/%s", d.Outcome, d.Reason)
	}
	if d.Request != nil || d.Rejection != nil {
		t.Error("abandoned decision must carry neither request nor rejection")
	}
	if !stderrors.Is(d.Err, context.Canceled) {
		t.Errorf("Err = %v", d.Err)
	}
	if req.Header.Get("username") != "" {
		t.Error("inbound request was mutated")
	}
}

func TestMiddlewareWritesNothingWhenCancelled(t *testing.T) {
	block := make(chan struct{})
	slow := validatorFunc(func(raw string) (token.Claims, error) {
		<-block
		return token.Claims{"username": "late"}, nil
	})
	g := New(nil, nil, slow, enrich.New(config.IdentityConfig{}))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer x")
	rr := httptest.NewRecorder()
	next := &downstream{}

	done := make(chan struct{})
	go func() {
		g.Middleware()(next).ServeHTTP(rr, req)
		close(done)
	}()

	cancel()
	<-done
	close(block)

	if next.called {
		t.Error("cancelled request was forwarded")
	}
	if rr.Body.Len() != 0 || rr.Header().Get("Content-Type") != "" {
		t.Errorf("cancelled request got a response: %q %v", rr.Body.String(), rr.Header())
	}
}

type validatorFunc func(raw string) (token.Claims, error)

func (f validatorFunc) Validate(raw string) (token.Claims, error) { return f(raw) }

func TestSubmitRecoversPanics(t *testing.T) {
	boom := validatorFunc(func(string) (token.Claims, error) { panic("boom") })
	g := New(nil, nil, boom, enrich.New(config.IdentityConfig{}))

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Authorization", "Bearer x")
	rr := httptest.NewRecorder()
	g.Middleware()(&downstream{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestSubmitIsBuffered(t *testing.T) {
	g := newGate(t, gateOpts{})
	ch := g.Submit(context.Background(), httptest.NewRequest("GET", "/api", nil))
	if cap(ch) != 1 {
		t.Fatalf("cap = %d, want 1", cap(ch))
	}
	select {
	case d := <-ch:
		if d.Outcome != Rejected {
			t.Errorf("outcome = %v", d.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no decision delivered")
	}
}

func TestRealmChallenge(t *testing.T) {
	g := newGate(t, gateOpts{opts: []Option{WithRealm("api")}})
	rr := httptest.NewRecorder()
	g.Middleware()(&downstream{}).ServeHTTP(rr, httptest.NewRequest("GET", "/api", nil))

	if got := rr.Header().Get("WWW-Authenticate"); got != `Bearer realm="api"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	rr = httptest.NewRecorder()
	newGate(t, gateOpts{}).Middleware()(&downstream{}).ServeHTTP(rr, httptest.NewRequest("GET", "/api", nil))
	if _, ok := rr.Header()["Www-Authenticate"]; ok {
		t.Error("challenge sent without a realm")
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveDecision(outcome, reason string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, outcome+"/"+reason)
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	g := newGate(t, gateOpts{opts: []Option{WithObserver(obs)}})

	g.Decide(context.Background(), httptest.NewRequest("GET", "/captcha/x", nil))
	g.Decide(context.Background(), httptest.NewRequest("GET", "/api", nil))

	want := []string{"forwarded/skip", "rejected/token_missing"}
	if fmt.Sprint(obs.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", obs.calls, want)
	}
}

func TestIdentityReachesVariables(t *testing.T) {
	g := newGate(t, gateOpts{})

	var subject, outcome string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vc, _ := variables.FromRequest(r)
		subject = vc.Subject()
		outcome = vc.AuthOutcome
	})
	h := middleware.RequestID()(g.Middleware()(next))

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Authorization", "Bearer "+validToken(t, "bob"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if subject != "bob" || outcome != "forwarded" {
		t.Errorf("subject = %q, outcome = %q", subject, outcome)
	}
}

func TestConcurrentDecisions(t *testing.T) {
	g := newGate(t, gateOpts{})

	tokens := make([]string, 20)
	for i := range tokens {
		tokens[i] = validToken(t, fmt.Sprintf("user-%d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(tokens)*10)
	for n := 0; n < 10; n++ {
		for i, tok := range tokens {
			wg.Add(1)
			go func(i int, tok string) {
				defer wg.Done()
				req := httptest.NewRequest("GET", "/api", nil)
				req.Header.Set("Authorization", "Bearer "+tok)
				d := g.Decide(context.Background(), req)
				if want := fmt.Sprintf("user-%d", i); d.Request == nil || d.Request.Header.Get("username") != want {
					errs <- fmt.Errorf("token %d: got %+v", i, d)
				}
			}(i, tok)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{Forwarded: "forwarded", Rejected: "rejected", Abandoned: "abandoned", Outcome(9): "outcome(9)"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q", int(o), o.String())
		}
	}
}
