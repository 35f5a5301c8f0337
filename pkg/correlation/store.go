// Package correlation holds the short-lived state that binds the proxy's
// redirect hops together: outbound OIDC flows, link sessions, return codes,
// and cached signing keys. All entries expire; nothing is persisted.
package correlation

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// FlowTTL bounds the lifetime of every browser-flow correlation entry.
	FlowTTL = 15 * time.Minute

	// KeyTTL bounds the lifetime of cached JWKS signing keys.
	KeyTTL = time.Hour

	// keyBytes is the entropy of generated correlation keys.
	keyBytes = 32
)

// Map is one named namespace of the correlation store. TTLs are measured
// from creation; reads never extend an entry's lifetime.
type Map[V any] struct {
	cache *ttlcache.Cache[string, V]
}

// NewMap creates a namespace whose entries live for ttl.
func NewMap[V any](ttl time.Duration) *Map[V] {
	cache := ttlcache.New[string, V](
		ttlcache.WithTTL[string, V](ttl),
		ttlcache.WithDisableTouchOnHit[string, V](),
	)
	go cache.Start()
	return &Map[V]{cache: cache}
}

// Put stores value under key with the namespace TTL. An existing entry is
// replaced and its TTL restarts.
func (m *Map[V]) Put(key string, value V) {
	m.cache.Set(key, value, ttlcache.DefaultTTL)
}

// Get returns the value for key, or false if absent or expired.
func (m *Map[V]) Get(key string) (V, bool) {
	item := m.cache.Get(key)
	if item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Take atomically removes and returns the value for key. At most one caller
// ever observes a given entry.
func (m *Map[V]) Take(key string) (V, bool) {
	item, present := m.cache.GetAndDelete(key)
	if !present || item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Delete removes the entry for key, if any.
func (m *Map[V]) Delete(key string) {
	m.cache.Delete(key)
}

// Stop shuts down the namespace's expiry loop.
func (m *Map[V]) Stop() {
	m.cache.Stop()
}

// Store bundles the four correlation namespaces.
type Store struct {
	// OIDC maps outbound_state to the in-flight authorize context.
	OIDC *Map[*OIDCOutbound]

	// Links maps link_state to the pending link session.
	Links *Map[*LinkSession]

	// Codes maps issued return codes to their staged tokens.
	Codes *Map[*ReturnCode]

	// Keys caches JWKS signing keys by "jwks_url|kid".
	Keys *Map[any]
}

// NewStore creates a store with the standard TTL policy.
func NewStore() *Store {
	return &Store{
		OIDC:  NewMap[*OIDCOutbound](FlowTTL),
		Links: NewMap[*LinkSession](FlowTTL),
		Codes: NewMap[*ReturnCode](FlowTTL),
		Keys:  NewMap[any](KeyTTL),
	}
}

// Stop shuts down every namespace.
func (s *Store) Stop() {
	s.OIDC.Stop()
	s.Links.Stop()
	s.Codes.Stop()
	s.Keys.Stop()
}

// NewKey returns a fresh high-entropy correlation key (32 random bytes,
// base64url without padding).
func NewKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate correlation key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// KeyCacheKey builds the Keys namespace key for a (jwks_url, kid) pair.
func KeyCacheKey(jwksURL, kid string) string {
	return jwksURL + "|" + kid
}
