// Package enrich builds the forwarded request that carries the verified
// identity to downstream handlers.
package enrich

import (
	"errors"
	"net/http"
	"sort"

	"github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/token"
)

// ErrMissingSubject is returned under the reject policy when the subject
// claim is absent.
var ErrMissingSubject = errors.New("subject claim missing")

// Enricher copies requests and adds identity headers.
type Enricher struct {
	header       string
	claim        string
	policy       string
	placeholder  string
	stripInbound bool
	propagate    []propagation
}

type propagation struct {
	claim  string
	header string
}

// New creates an Enricher from cfg, filling defaults for empty fields.
func New(cfg config.IdentityConfig) *Enricher {
	e := &Enricher{
		header:       cfg.Header,
		claim:        cfg.Claim,
		policy:       cfg.MissingClaim,
		placeholder:  cfg.Placeholder,
		stripInbound: cfg.StripInbound,
	}
	if e.header == "" {
		e.header = "username"
	}
	if e.claim == "" {
		e.claim = "username"
	}
	if e.policy == "" {
		e.policy = config.MissingClaimPlaceholder
	}
	if e.policy == config.MissingClaimPlaceholder && e.placeholder == "" {
		e.placeholder = "null"
	}
	e.header = http.CanonicalHeaderKey(e.header)

	for claim, header := range cfg.Propagate {
		e.propagate = append(e.propagate, propagation{claim: claim, header: http.CanonicalHeaderKey(header)})
	}
	// Deterministic header order for logs and tests.
	sort.Slice(e.propagate, func(i, j int) bool { return e.propagate[i].claim < e.propagate[j].claim })
	return e
}

// Header returns the canonical identity header name.
func (e *Enricher) Header() string {
	return e.header
}

// Subject returns the header value for claims and whether it should be set.
func (e *Enricher) Subject(claims token.Claims) (string, bool, error) {
	if v, ok := claims.String(e.claim); ok {
		return v, true, nil
	}
	switch e.policy {
	case config.MissingClaimOmit:
		return "", false, nil
	case config.MissingClaimReject:
		return "", false, ErrMissingSubject
	default:
		return e.placeholder, true, nil
	}
}

// Enrich returns a copy of r carrying the identity header. r and its
// header map are left untouched.
func (e *Enricher) Enrich(r *http.Request, claims token.Claims) (*http.Request, error) {
	subject, set, err := e.Subject(claims)
	if err != nil {
		return nil, err
	}

	out := r.Clone(r.Context())
	if e.stripInbound {
		out.Header.Del(e.header)
		for _, p := range e.propagate {
			out.Header.Del(p.header)
		}
	}
	if set {
		out.Header.Set(e.header, subject)
	}
	for _, p := range e.propagate {
		if v, ok := claims.String(p.claim); ok {
			out.Header.Set(p.header, v)
		}
	}
	return out, nil
}
