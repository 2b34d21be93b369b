package token

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/authgate/config"
)

// KeyProvider supplies verification keys and the algorithms they accept.
type KeyProvider interface {
	Keyfunc() jwt.Keyfunc
	Methods() []string
}

var (
	hmacMethods   = []string{"HS256", "HS384", "HS512"}
	publicMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}
)

// SupportedAlgorithm reports whether alg can be configured.
func SupportedAlgorithm(alg string) bool {
	for _, m := range hmacMethods {
		if m == alg {
			return true
		}
	}
	for _, m := range publicMethods {
		if m == alg {
			return true
		}
	}
	return false
}

// NewKeyProvider picks a provider from cfg: JWKS URL, HMAC secret, or PEM
// public key. A JWKS set is fetched before this returns.
func NewKeyProvider(ctx context.Context, cfg config.JWTConfig) (KeyProvider, error) {
	switch {
	case cfg.JWKSURL != "":
		var methods []string
		if cfg.Algorithm != "" && !strings.HasPrefix(cfg.Algorithm, "HS") {
			methods = []string{cfg.Algorithm}
		}
		return NewJWKSProvider(ctx, cfg.JWKSURL, cfg.JWKSRefresh, methods)
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		return NewHMACProvider(cfg.Secret, cfg.Algorithm)
	default:
		return NewPublicKeyProvider(cfg.PublicKey, cfg.Algorithm)
	}
}

// HMACProvider verifies HS* signatures with a shared secret.
type HMACProvider struct {
	secret []byte
	alg    string
}

// NewHMACProvider creates an HMAC key provider.
func NewHMACProvider(secret, alg string) (*HMACProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required for %s", alg)
	}
	if alg == "" {
		alg = "HS256"
	}
	if !strings.HasPrefix(alg, "HS") || !SupportedAlgorithm(alg) {
		return nil, fmt.Errorf("unsupported HMAC algorithm: %s", alg)
	}
	return &HMACProvider{secret: []byte(secret), alg: alg}, nil
}

func (p *HMACProvider) Keyfunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}
}

func (p *HMACProvider) Methods() []string {
	return []string{p.alg}
}

// PublicKeyProvider verifies asymmetric signatures with a PEM encoded key.
type PublicKeyProvider struct {
	key any
	alg string
}

// NewPublicKeyProvider parses pemData for the algorithm family of alg.
func NewPublicKeyProvider(pemData, alg string) (*PublicKeyProvider, error) {
	if pemData == "" {
		return nil, fmt.Errorf("jwt public_key is required for %s", alg)
	}
	if !SupportedAlgorithm(alg) || strings.HasPrefix(alg, "HS") {
		return nil, fmt.Errorf("unsupported public key algorithm: %s", alg)
	}

	var (
		key any
		err error
	)
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		key, err = jwt.ParseRSAPublicKeyFromPEM([]byte(pemData))
	case strings.HasPrefix(alg, "ES"):
		key, err = jwt.ParseECPublicKeyFromPEM([]byte(pemData))
	case alg == "EdDSA":
		key, err = jwt.ParseEdPublicKeyFromPEM([]byte(pemData))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &PublicKeyProvider{key: key, alg: alg}, nil
}

func (p *PublicKeyProvider) Keyfunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		return p.key, nil
	}
}

func (p *PublicKeyProvider) Methods() []string {
	return []string{p.alg}
}
