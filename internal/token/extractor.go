// Package token extracts bearer credentials from requests and verifies them.
package token

import (
	"errors"
	"net/http"
	"strings"
)

// ErrMissingToken is returned when the credential header is absent or blank.
var ErrMissingToken = errors.New("token missing")

// DefaultHeader carries the credential unless configured otherwise.
const DefaultHeader = "Authorization"

// Extractor reads the raw credential from a request header.
type Extractor struct {
	header  string
	schemes []string
}

// NewExtractor creates an extractor for header, stripping any of schemes.
// Empty arguments fall back to Authorization and Bearer.
func NewExtractor(header string, schemes []string) *Extractor {
	if header == "" {
		header = DefaultHeader
	}
	if len(schemes) == 0 {
		schemes = []string{"Bearer"}
	}
	return &Extractor{
		header:  http.CanonicalHeaderKey(header),
		schemes: append([]string(nil), schemes...),
	}
}

// Header returns the canonical header name read by Extract.
func (e *Extractor) Header() string {
	return e.header
}

// Extract returns the credential with its scheme prefix removed. A value
// without a recognised scheme is returned whole, trimmed.
func (e *Extractor) Extract(h http.Header) (string, error) {
	raw := strings.TrimSpace(h.Get(e.header))
	if raw == "" {
		return "", ErrMissingToken
	}

	for _, scheme := range e.schemes {
		n := len(scheme)
		if len(raw) < n || !strings.EqualFold(raw[:n], scheme) {
			continue
		}
		rest := raw[n:]
		if rest == "" {
			// The header holds only the scheme.
			return "", ErrMissingToken
		}
		if rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		if tok := strings.TrimSpace(rest); tok != "" {
			return tok, nil
		}
		return "", ErrMissingToken
	}

	return raw, nil
}
