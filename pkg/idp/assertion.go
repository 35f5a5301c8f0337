// Package idp talks to the upstream identity provider: it completes the
// OIDC login, exchanges the ID token for an identity-assertion grant, and
// redeems that grant for an agent access token.
package idp

import (
	"crypto/rsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// assertionLifetime is the validity window of a client assertion.
const assertionLifetime = 5 * time.Minute

// AgentCredentials identify the agent client at the IdP. The private key
// signs the JWT client assertion used for token-exchange authentication.
type AgentCredentials struct {
	// ClientID is the agent's client identifier.
	ClientID string

	// PrivateKeyPath points at the agent's RSA private key in PEM form.
	PrivateKeyPath string

	// KeyID is the kid registered for the key at the IdP.
	KeyID string
}

// keyCache caches parsed private keys by path.
var keyCache sync.Map

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	if cached, ok := keyCache.Load(path); ok {
		return cached.(*rsa.PrivateKey), nil
	}

	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}

	keyCache.Store(path, key)
	return key, nil
}

// BuildClientAssertion signs a private-key JWT (RFC 7523) authenticating
// clientID at tokenEndpoint. RS256, five-minute lifetime, random jti, kid in
// the header.
func BuildClientAssertion(clientID, tokenEndpoint, privateKeyPath, kid string) (string, error) {
	key, err := loadPrivateKey(privateKeyPath)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenEndpoint,
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"jti": uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return signed, nil
}
