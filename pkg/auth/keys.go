// Package auth provides inbound bearer-token validation for the proxy.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/vaultbridge/pkg/correlation"
	"github.com/stacklok/vaultbridge/pkg/logger"
)

// jwksFetchTimeout bounds every JWKS document fetch.
const jwksFetchTimeout = 5 * time.Second

// Key cache errors.
var (
	// ErrKeyFetch indicates the JWKS document could not be retrieved.
	ErrKeyFetch = errors.New("failed to fetch JWKS")

	// ErrKeyNotFound indicates the document has no entry for the kid.
	ErrKeyNotFound = errors.New("key ID not found in JWKS")
)

// KeyCache resolves signing keys by (jwks_url, kid), caching each key for
// up to an hour. Expired entries are treated as misses.
type KeyCache struct {
	keys   *correlation.Map[any]
	client *http.Client
}

// NewKeyCache creates a key cache backed by the given correlation namespace.
func NewKeyCache(keys *correlation.Map[any]) *KeyCache {
	return &KeyCache{
		keys:   keys,
		client: &http.Client{Timeout: jwksFetchTimeout},
	}
}

// SigningKey returns the raw public key for kid as published at jwksURL.
// On a cache miss the document is fetched with a bounded timeout.
func (c *KeyCache) SigningKey(ctx context.Context, jwksURL, kid string) (any, error) {
	cacheKey := correlation.KeyCacheKey(jwksURL, kid)
	if key, ok := c.keys.Get(cacheKey); ok {
		return key, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()

	keySet, err := jwk.Fetch(fetchCtx, jwksURL, jwk.WithHTTPClient(c.client))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	logger.Debugw("cached signing key", "jwks_url", jwksURL, "kid", kid)
	c.keys.Put(cacheKey, rawKey)
	return rawKey, nil
}
