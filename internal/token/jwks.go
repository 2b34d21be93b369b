package token

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/logging"
)

// JWKSProvider serves keys from a JSON Web Key Set that is fetched at
// startup and refreshed in the background. Lookups only read the cached set.
type JWKSProvider struct {
	cache   *jwk.Cache
	set     jwk.Set
	url     string
	methods []string
	cancel  context.CancelFunc
}

// initialFetchRetries bounds startup retries of the first JWKS fetch.
const initialFetchRetries = 4

// NewJWKSProvider registers jwksURL, fetches it once (retrying with
// exponential backoff) and returns a provider backed by the cache.
// methods defaults to every asymmetric algorithm.
func NewJWKSProvider(ctx context.Context, jwksURL string, refresh time.Duration, methods []string) (*JWKSProvider, error) {
	if refresh <= 0 {
		refresh = time.Hour
	}
	if len(methods) == 0 {
		methods = publicMethods
	}

	cacheCtx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(cacheCtx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), initialFetchRetries), ctx)
	err := backoff.Retry(func() error {
		_, err := cache.Refresh(ctx, jwksURL)
		if err != nil {
			logging.Warn("JWKS fetch failed", zap.String("url", jwksURL), zap.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{
		cache:   cache,
		set:     jwk.NewCachedSet(cache, jwksURL),
		url:     jwksURL,
		methods: methods,
		cancel:  cancel,
	}, nil
}

// Keyfunc resolves the verification key by the token's kid header. Tokens
// without a kid use the first key of the set.
func (p *JWKSProvider) Keyfunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		var (
			key jwk.Key
			ok  bool
		)
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			if p.set.Len() == 0 {
				return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
			}
			key, ok = p.set.Key(0)
		} else {
			key, ok = p.set.LookupKeyID(kid)
		}
		if !ok {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}

		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("failed to extract raw key for kid %q: %w", kid, err)
		}
		return raw, nil
	}
}

func (p *JWKSProvider) Methods() []string {
	return p.methods
}

// Close stops the background refresh.
func (p *JWKSProvider) Close() {
	p.cancel()
}
