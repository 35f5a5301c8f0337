// Package testkit provides helpers shared by the proxy's test suites:
// ephemeral RSA keys, JWKS documents, and signed tokens.
package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

// SigningKey is an ephemeral RSA key pair with a fixed kid.
type SigningKey struct {
	Key *rsa.PrivateKey
	KID string
}

// NewSigningKey generates a 2048-bit RSA key.
func NewSigningKey(t *testing.T, kid string) *SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &SigningKey{Key: key, KID: kid}
}

// JWKS returns the key's public JWKS document.
func (k *SigningKey) JWKS(t *testing.T) []byte {
	t.Helper()

	pub, err := jwk.Import(&k.Key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, k.KID))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, pub.Set(jwk.KeyUsageKey, "sig"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	doc, err := json.Marshal(set)
	require.NoError(t, err)
	return doc
}

// JWKSServer starts an httptest server publishing the key's JWKS document
// and counting fetches through hits, if non-nil.
func (k *SigningKey) JWKSServer(t *testing.T, hits *int) *httptest.Server {
	t.Helper()

	doc := k.JWKS(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			*hits++
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Sign produces an RS256 JWT over the claims with the key's kid in the
// header.
func (k *SigningKey) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.KID

	signed, err := token.SignedString(k.Key)
	require.NoError(t, err)
	return signed
}

// WritePEM writes the private key to a temp file in PKCS#1 PEM form and
// returns the path.
func (k *SigningKey) WritePEM(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "key.pem")
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.Key),
	}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

// Claims builds a standard claim set for issuer with a one-hour expiry,
// merged with overrides.
func Claims(issuer string, overrides jwt.MapClaims) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": "user@example.com",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}
	return claims
}
