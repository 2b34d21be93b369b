// Package proxy forwards admitted requests to the single configured upstream.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/circuitbreaker"
	"github.com/wudi/authgate/internal/errors"
	"github.com/wudi/authgate/internal/logging"
	"github.com/wudi/authgate/variables"
)

// Proxy handles proxying requests to the upstream
type Proxy struct {
	target  *url.URL
	timeout time.Duration
	rp      *httputil.ReverseProxy
	onError func(*http.Request, error)
	breaker *circuitbreaker.Breaker
}

type upstreamErrKey struct{}

// errAborted is reported to the breaker when the response copy panicked
// with http.ErrAbortHandler.
var errAborted = stderrors.New("upstream response aborted")

// Option configures a Proxy.
type Option func(*Proxy)

// WithErrorHook is called for every failed upstream round trip.
func WithErrorHook(fn func(*http.Request, error)) Option {
	return func(p *Proxy) { p.onError = fn }
}

// WithBreaker guards the upstream with b. Requests refused by an open
// breaker get a 503 without a round trip.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(p *Proxy) { p.breaker = b }
}

// New creates a proxy for cfg.URL.
func New(cfg config.UpstreamConfig, opts ...Option) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", cfg.URL)
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		target:  target,
		timeout: cfg.Timeout,
	}
	preserveHost := cfg.PreserveHost
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if preserveHost {
				pr.Out.Host = pr.In.Host
			}
		},
		Transport:     transport,
		FlushInterval: cfg.FlushInterval,
		ErrorHandler:  p.handleError,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Target returns the upstream URL.
func (p *Proxy) Target() *url.URL {
	return p.target
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if varCtx, ok := variables.FromRequest(r); ok {
		varCtx.UpstreamAddr = p.target.Host
	}

	if p.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	if p.breaker == nil {
		p.rp.ServeHTTP(w, r)
		return
	}

	done, err := p.breaker.Allow()
	if err != nil {
		logging.Debug("circuit breaker refused upstream request",
			zap.String("path", r.URL.Path),
			zap.String("state", p.breaker.State()),
		)
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	var upstreamErr error
	r = r.WithContext(context.WithValue(r.Context(), upstreamErrKey{}, &upstreamErr))
	defer func() {
		if rec := recover(); rec != nil {
			abortErr := errAborted
			if err := r.Context().Err(); err != nil {
				abortErr = err
			}
			done(abortErr)
			panic(rec)
		}
		done(upstreamErr)
	}()
	p.rp.ServeHTTP(w, r)
}

// handleError maps upstream failures onto JSON errors. A client that went
// away gets nothing.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if p.onError != nil {
		p.onError(r, err)
	}
	if slot, ok := r.Context().Value(upstreamErrKey{}).(*error); ok {
		*slot = err
	}

	if stderrors.Is(err, context.Canceled) {
		logging.Debug("client cancelled upstream request",
			zap.String("path", r.URL.Path),
		)
		return
	}

	logging.Warn("upstream request failed",
		zap.String("upstream", p.target.Host),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)

	if stderrors.Is(err, context.DeadlineExceeded) {
		errors.ErrGatewayTimeout.WriteJSON(w)
		return
	}
	errors.ErrBadGateway.WriteJSON(w)
}
