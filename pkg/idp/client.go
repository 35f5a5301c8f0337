package idp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/vaultbridge/pkg/errors"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/oauth"
	"github.com/stacklok/vaultbridge/pkg/tenant"
)

// requestTimeout bounds every IdP call.
const requestTimeout = 15 * time.Second

// Client performs the token-exchange chain against the upstream IdP.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an IdP client with the standard timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// CompleteOIDCLogin redeems the authorization code at the IdP token
// endpoint and returns the ID token. The client secret travels in the body.
func (c *Client) CompleteOIDCLogin(
	ctx context.Context,
	tokenEndpoint, code, redirectURI, scopes, clientID, clientSecret string,
) (string, error) {
	data := url.Values{}
	data.Set("grant_type", oauth.GrantTypeAuthorizationCode)
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("scope", scopes)
	data.Set("client_id", clientID)
	data.Set("client_secret", clientSecret)

	resp, err := oauth.PostForm(ctx, c.httpClient, tokenEndpoint, data)
	if err != nil {
		return "", err
	}
	if resp.IDToken == "" {
		return "", errors.NewInternalError("IdP returned no id_token", nil)
	}
	return resp.IDToken, nil
}

// IDTokenToIDJAG exchanges the ID token for an identity-assertion JWT
// authorization grant (RFC 8693), authenticated by a private-key JWT.
func (c *Client) IDTokenToIDJAG(
	ctx context.Context,
	tokenEndpoint string,
	t *tenant.Config,
	idToken string,
	agent AgentCredentials,
) (string, error) {
	assertion, err := BuildClientAssertion(agent.ClientID, tokenEndpoint, agent.PrivateKeyPath, agent.KeyID)
	if err != nil {
		return "", errors.NewInternalError("failed to build client assertion", err)
	}

	data := url.Values{}
	data.Set("grant_type", oauth.GrantTypeTokenExchange)
	data.Set("requested_token_type", oauth.TokenTypeIDJAG)
	data.Set("audience", t.Issuer)
	data.Set("scope", strings.Join(t.ExternalScopes, " "))
	data.Set("subject_token_type", oauth.TokenTypeIDToken)
	data.Set("subject_token", idToken)
	data.Set("client_assertion_type", oauth.ClientAssertionTypeJWTBearer)
	data.Set("client_assertion", assertion)

	resp, err := oauth.PostForm(ctx, c.httpClient, tokenEndpoint, data)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.NewInternalError("IdP returned no identity assertion grant", nil)
	}

	logger.Debugw("obtained ID-JAG", "tenant", t.ID, "issued_token_type", resp.IssuedTokenType)
	return resp.AccessToken, nil
}

// AgentToken is the agent-bound access token minted by the tenant's
// authorization server.
type AgentToken struct {
	AccessToken string
	Scope       string
	ExpiresIn   int
}

// IDJAGToAccessToken redeems the identity-assertion grant at the tenant's
// authorization server via the JWT-bearer grant, with the same private-key
// JWT client authentication.
func (c *Client) IDJAGToAccessToken(
	ctx context.Context,
	t *tenant.Config,
	idJAG string,
	agent AgentCredentials,
) (*AgentToken, error) {
	tokenEndpoint := t.TokenEndpoint()

	assertion, err := BuildClientAssertion(agent.ClientID, tokenEndpoint, agent.PrivateKeyPath, agent.KeyID)
	if err != nil {
		return nil, errors.NewInternalError("failed to build client assertion", err)
	}

	data := url.Values{}
	data.Set("grant_type", oauth.GrantTypeJWTBearer)
	data.Set("assertion", idJAG)
	data.Set("client_assertion_type", oauth.ClientAssertionTypeJWTBearer)
	data.Set("client_assertion", assertion)

	resp, err := oauth.PostForm(ctx, c.httpClient, tokenEndpoint, data)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, errors.NewInternalError("tenant authorization server returned no access token", nil)
	}

	logger.Debugw("obtained agent access token", "tenant", t.ID,
		"scope", resp.Scope, "expires_in", resp.ExpiresIn)
	return &AgentToken{
		AccessToken: resp.AccessToken,
		Scope:       resp.Scope,
		ExpiresIn:   resp.ExpiresIn,
	}, nil
}

// AuthorizeURL builds the IdP authorize redirect for the browser-facing
// OIDC leg.
func AuthorizeURL(idpDomain, clientID, redirectURI, state, nonce string) string {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("response_type", "code")
	params.Set("scope", "openid profile")
	params.Set("state", state)
	params.Set("nonce", nonce)
	params.Set("redirect_uri", redirectURI)
	return fmt.Sprintf("%s/oauth2/v1/authorize?%s", strings.TrimSuffix(idpDomain, "/"), params.Encode())
}

// TokenEndpoint returns the IdP's org-level token endpoint.
func TokenEndpoint(idpDomain string) string {
	return strings.TrimSuffix(idpDomain, "/") + "/oauth2/v1/token"
}
