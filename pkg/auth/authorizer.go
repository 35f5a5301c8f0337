package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/vaultbridge/pkg/errors"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/tenant"
)

// ScopePolicy decides whether a token's scopes permit the HTTP method.
// A nil error allows the request.
type ScopePolicy func(scopes []string, method string) error

// PermissiveScopePolicy allows every request. It is the default; deployments
// that need scope enforcement swap in their own policy.
func PermissiveScopePolicy(scopes []string, method string) error {
	logger.Debugw("scope check (permissive)", "scopes", scopes, "method", method)
	return nil
}

// Authorizer validates inbound bearer JWTs against a tenant's issuer and
// signing keys.
type Authorizer struct {
	keys                *KeyCache
	audience            string
	audiencePrefixMatch bool
	scopePolicy         ScopePolicy
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithExpectedAudience enforces that inbound tokens carry the audience.
func WithExpectedAudience(audience string) AuthorizerOption {
	return func(a *Authorizer) { a.audience = audience }
}

// WithAudiencePrefixMatch additionally accepts audiences that the expected
// audience is a prefix of. Off unless explicitly configured.
func WithAudiencePrefixMatch(enabled bool) AuthorizerOption {
	return func(a *Authorizer) { a.audiencePrefixMatch = enabled }
}

// WithScopePolicy replaces the default permissive scope policy.
func WithScopePolicy(policy ScopePolicy) AuthorizerOption {
	return func(a *Authorizer) { a.scopePolicy = policy }
}

// NewAuthorizer creates an inbound authorizer using the given key cache.
func NewAuthorizer(keys *KeyCache, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		keys:        keys,
		scopePolicy: PermissiveScopePolicy,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize validates the request's bearer token for the tenant and returns
// the raw token string. Failures are typed: authentication errors map to
// 401, issuer/audience/scope mismatches to 403.
func (a *Authorizer) Authorize(ctx context.Context, t *tenant.Config, r *http.Request) (string, error) {
	tokenString, err := ExtractBearerToken(r)
	if err != nil {
		return "", errors.NewAuthenticationError(err.Error(), err)
	}

	// Peek at the unverified header and claims to learn which key signed
	// the token and which issuer minted it.
	unverifiedClaims := jwt.MapClaims{}
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, unverifiedClaims)
	if err != nil {
		return "", errors.NewAuthenticationError("malformed token", err)
	}

	issuer, err := unverifiedClaims.GetIssuer()
	if err != nil || issuer == "" {
		return "", errors.NewAuthenticationError("token missing issuer", err)
	}
	if strings.TrimSpace(issuer) != strings.TrimSpace(t.Issuer) {
		return "", errors.NewAuthorizationError("token issuer does not match tenant", nil)
	}

	kid, ok := unverified.Header["kid"].(string)
	if !ok || kid == "" {
		return "", errors.NewAuthenticationError("token header missing kid", nil)
	}

	key, err := a.keys.SigningKey(ctx, t.JWKSURL, kid)
	if err != nil {
		return "", errors.NewAuthenticationError("failed to resolve signing key", err)
	}

	token, err := jwt.Parse(tokenString,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", errors.NewAuthenticationError("token verification failed", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.NewAuthenticationError("failed to read token claims", nil)
	}

	if err := a.validateAudience(claims); err != nil {
		return "", err
	}

	if err := a.scopePolicy(scopesFromClaims(claims), r.Method); err != nil {
		return "", errors.NewAuthorizationError("insufficient scope", err)
	}

	return tokenString, nil
}

// validateAudience enforces the configured audience, if any. Membership in
// the token's audience list is required; prefix matching is honored only
// when explicitly enabled.
func (a *Authorizer) validateAudience(claims jwt.MapClaims) error {
	if a.audience == "" {
		return nil
	}

	audiences, err := claims.GetAudience()
	if err != nil {
		return errors.NewAuthorizationError("token missing audience", err)
	}

	for _, aud := range audiences {
		if aud == a.audience {
			return nil
		}
		if a.audiencePrefixMatch && strings.HasPrefix(aud, a.audience) {
			return nil
		}
	}

	return errors.NewAuthorizationError(
		fmt.Sprintf("token audience does not include %s", a.audience), nil)
}

// scopesFromClaims collects scopes from either the "scp" list claim or the
// space-separated "scope" claim.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if list, ok := claims["scp"].([]any); ok {
		scopes := make([]string, 0, len(list))
		for _, s := range list {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	if s, ok := claims["scope"].(string); ok && s != "" {
		return strings.Fields(s)
	}
	return nil
}

// WWWAuthenticate builds an RFC 6750 / RFC 9728 WWW-Authenticate value for a
// rejected request, pointing clients at the protected-resource metadata.
func WWWAuthenticate(errCode, description, resourceMetadata string) string {
	parts := []string{fmt.Sprintf(`error=%q`, errCode)}
	if description != "" {
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(description)))
	}
	if resourceMetadata != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, EscapeQuotes(resourceMetadata)))
	}
	return "Bearer " + strings.Join(parts, ", ")
}
