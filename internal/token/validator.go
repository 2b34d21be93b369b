package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/authgate/config"
)

// ErrInvalidToken covers every verification failure: malformed structure,
// bad signature, expiry, issuer or audience mismatch. The underlying cause
// stays available through errors.Is/As for logging.
var ErrInvalidToken = errors.New("token invalid")

// Validator verifies signed credentials and returns their claims.
type Validator struct {
	keys     KeyProvider
	parser   *jwt.Parser
	audience []string
	cache    *Cache
	now      func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithCache enables the verified-token cache.
func WithCache(c *Cache) ValidatorOption {
	return func(v *Validator) { v.cache = c }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator for cfg using keys.
func NewValidator(cfg config.JWTConfig, keys KeyProvider, opts ...ValidatorOption) (*Validator, error) {
	if keys == nil {
		return nil, fmt.Errorf("token validator requires a key provider")
	}
	v := &Validator{
		keys:     keys,
		audience: cfg.Audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods(keys.Methods()),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	if cfg.Leeway > 0 {
		popts = append(popts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.RequireExpiry {
		popts = append(popts, jwt.WithExpirationRequired())
	}
	if cfg.Issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.Issuer))
	}
	v.parser = jwt.NewParser(popts...)

	return v, nil
}

// Validate verifies raw and returns its claims. It never panics; any
// failure is reported as ErrInvalidToken.
func (v *Validator) Validate(raw string) (claims Claims, err error) {
	defer func() {
		if r := recover(); r != nil {
			claims = nil
			err = fmt.Errorf("%w: panic during verification: %v", ErrInvalidToken, r)
		}
	}()

	if raw == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrInvalidToken)
	}

	if v.cache != nil {
		if c, ok := v.cache.Get(raw, v.now()); ok {
			return c, nil
		}
	}

	token, err := v.parser.ParseWithClaims(raw, jwt.MapClaims{}, v.keys.Keyfunc())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	if len(v.audience) > 0 {
		aud, _ := mc.GetAudience()
		if !containsAudience(aud, v.audience) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, jwt.ErrTokenInvalidAudience)
		}
	}

	claims = Claims(mc)
	if v.cache != nil {
		v.cache.Add(raw, claims)
	}
	return claims, nil
}

// containsAudience checks if any of the token's audiences match the expected audiences
func containsAudience(tokenAud, expected []string) bool {
	for _, ta := range tokenAud {
		for _, ea := range expected {
			if ta == ea {
				return true
			}
		}
	}
	return false
}
