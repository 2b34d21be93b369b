// Package authgate decides, ahead of routing, whether a request passes
// unauthenticated, must present a valid bearer token, or is refused.
package authgate

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/enrich"
	"github.com/wudi/authgate/internal/errors"
	"github.com/wudi/authgate/internal/logging"
	"github.com/wudi/authgate/internal/middleware"
	"github.com/wudi/authgate/internal/skiplist"
	"github.com/wudi/authgate/internal/token"
	"github.com/wudi/authgate/variables"
)

// Order places the gate ahead of every other filter. Lower runs earlier.
const Order = -100

// Name identifies the gate in the filter chain and in logs.
const Name = "authgate"

// Outcome is the terminal state of a decision.
type Outcome int

const (
	// Forwarded means Decision.Request should be passed downstream.
	Forwarded Outcome = iota
	// Rejected means Decision.Rejection should be written and nothing forwarded.
	Rejected
	// Abandoned means the request was cancelled before a decision; nothing
	// is written or forwarded.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Forwarded:
		return "forwarded"
	case Rejected:
		return "rejected"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision reasons, also used as metric labels.
const (
	ReasonSkip           = "skip"
	ReasonAuthenticated  = "authenticated"
	ReasonTokenMissing   = "token_missing"
	ReasonTokenInvalid   = "token_invalid"
	ReasonSubjectMissing = "subject_missing"
	ReasonCancelled      = "cancelled"
	ReasonInternal       = "internal_error"
)

// Decision is the result of running the gate on one request.
type Decision struct {
	Outcome   Outcome
	Reason    string
	Request   *http.Request
	Rejection *errors.GatewayError
	Subject   string
	Claims    token.Claims
	Err       error
}

// TokenValidator verifies a raw credential.
type TokenValidator interface {
	Validate(raw string) (token.Claims, error)
}

// Observer receives one call per decision.
type Observer interface {
	ObserveDecision(outcome, reason string, elapsed time.Duration)
}

// Option configures a Gate.
type Option func(*Gate)

// WithRealm adds a WWW-Authenticate challenge to rejections.
func WithRealm(realm string) Option {
	return func(g *Gate) {
		if realm != "" {
			g.challenge = fmt.Sprintf("Bearer realm=%q", realm)
		}
	}
}

// WithObserver reports every decision to o.
func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

// WithTracer overrides the tracer used for decision spans.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

// WithLogger overrides the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// Gate runs the bypass check, credential extraction, verification and
// enrichment for each request. It is safe for concurrent use.
type Gate struct {
	resolver  atomic.Pointer[skiplist.Resolver]
	extractor *token.Extractor
	validator TokenValidator
	enricher  *enrich.Enricher

	challenge string
	observer  Observer
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New creates a Gate. A nil resolver bypasses only the built-in patterns.
func New(resolver *skiplist.Resolver, extractor *token.Extractor, validator TokenValidator, enricher *enrich.Enricher, opts ...Option) *Gate {
	if resolver == nil {
		resolver, _ = skiplist.New(nil)
	}
	if extractor == nil {
		extractor = token.NewExtractor("", nil)
	}
	g := &Gate{
		extractor: extractor,
		validator: validator,
		enricher:  enricher,
		tracer:    otel.Tracer("github.com/wudi/authgate/internal/authgate"),
	}
	g.resolver.Store(resolver)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Order returns the filter priority.
func (g *Gate) Order() int { return Order }

// Name returns the filter name.
func (g *Gate) Name() string { return Name }

// Resolver returns the current bypass snapshot.
func (g *Gate) Resolver() *skiplist.Resolver {
	return g.resolver.Load()
}

// SetResolver swaps the bypass snapshot. Decisions already running keep
// the snapshot they loaded.
func (g *Gate) SetResolver(r *skiplist.Resolver) {
	if r != nil {
		g.resolver.Store(r)
	}
}

func (g *Gate) log() *zap.Logger {
	if g.logger != nil {
		return g.logger
	}
	return logging.Global()
}

// Decide runs the gate on r. r is never mutated; a forwarded decision
// carries r itself, a copy with dot segments resolved, or an enriched copy.
func (g *Gate) Decide(ctx context.Context, r *http.Request) Decision {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "authgate.decide",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("url.path", r.URL.Path)),
	)
	defer span.End()

	d := g.decide(ctx, r)

	span.SetAttributes(
		attribute.String("authgate.outcome", d.Outcome.String()),
		attribute.String("authgate.reason", d.Reason),
	)
	if d.Outcome == Rejected {
		span.SetStatus(codes.Error, d.Reason)
	}
	if g.observer != nil {
		g.observer.ObserveDecision(d.Outcome.String(), d.Reason, time.Since(start))
	}
	return d
}

func (g *Gate) decide(ctx context.Context, r *http.Request) Decision {
	if err := ctx.Err(); err != nil {
		return abandon(err)
	}

	r = cleanPath(r)
	if g.resolver.Load().ShouldSkip(r.URL.Path) {
		return Decision{Outcome: Forwarded, Reason: ReasonSkip, Request: r}
	}

	raw, err := g.extractor.Extract(r.Header)
	if err != nil {
		return reject(errors.ErrTokenMissing, ReasonTokenMissing, err)
	}

	claims, err := g.validator.Validate(raw)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return abandon(ctxErr)
	}
	if err != nil {
		g.log().Debug("token rejected",
			zap.String("request_id", r.Header.Get(middleware.RequestIDHeader)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		return reject(errors.ErrUnauthorized, ReasonTokenInvalid, err)
	}

	subject, _, err := g.enricher.Subject(claims)
	if err != nil {
		return reject(errors.ErrUnauthorized, ReasonSubjectMissing, err)
	}
	out, err := g.enricher.Enrich(r, claims)
	if err != nil {
		return reject(errors.ErrUnauthorized, ReasonSubjectMissing, err)
	}
	if err := ctx.Err(); err != nil {
		return abandon(err)
	}

	return Decision{
		Outcome: Forwarded,
		Reason:  ReasonAuthenticated,
		Request: out,
		Subject: subject,
		Claims:  claims,
	}
}

// cleanPath resolves "." and ".." segments so the bypass check and the
// upstream see the same path. r is returned as is when there are none.
func cleanPath(r *http.Request) *http.Request {
	p := r.URL.Path
	if !hasDotSegment(p) {
		return r
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	u := *r.URL
	u.Path, u.RawPath = cleaned, ""
	out := r.WithContext(r.Context())
	out.URL = &u
	return out
}

func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func reject(rej *errors.GatewayError, reason string, err error) Decision {
	return Decision{Outcome: Rejected, Reason: reason, Rejection: rej, Err: err}
}

func abandon(err error) Decision {
	return Decision{Outcome: Abandoned, Reason: ReasonCancelled, Err: err}
}

// Submit runs Decide on its own goroutine and returns a channel that
// receives exactly one Decision. The channel is buffered so the goroutine
// never blocks when the caller has gone away.
func (g *Gate) Submit(ctx context.Context, r *http.Request) <-chan Decision {
	ch := make(chan Decision, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				g.log().Error("auth decision panicked",
					zap.Any("error", rec),
					zap.String("path", r.URL.Path),
				)
				ch <- Decision{
					Outcome:   Rejected,
					Reason:    ReasonInternal,
					Rejection: errors.ErrInternalServer,
					Err:       fmt.Errorf("panic: %v", rec),
				}
			}
		}()
		ch <- g.Decide(ctx, r)
	}()
	return ch
}

// Middleware wraps next with the gate. Forwarded requests reach next,
// rejections are written as JSON, and cancelled requests get no response.
func (g *Gate) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			select {
			case d := <-g.Submit(ctx, r):
				g.serve(w, r, next, d)
			case <-ctx.Done():
			}
		})
	}
}

func (g *Gate) serve(w http.ResponseWriter, r *http.Request, next http.Handler, d Decision) {
	varCtx, hasVars := variables.FromRequest(r)
	if hasVars {
		varCtx.AuthOutcome = d.Outcome.String()
		varCtx.AuthReason = d.Reason
	}

	switch d.Outcome {
	case Forwarded:
		if hasVars && d.Reason == ReasonAuthenticated {
			varCtx.Identity = &variables.Identity{
				Subject:  d.Subject,
				AuthType: "jwt",
				Claims:   d.Claims,
			}
		}
		next.ServeHTTP(w, d.Request)
	case Rejected:
		if g.challenge != "" && d.Rejection.Code == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", g.challenge)
		}
		d.Rejection.WriteJSON(w)
	}
}
