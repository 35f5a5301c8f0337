// Package vault talks to the token vault: it exchanges agent tokens for
// federated downstream credentials and drives the connected-accounts
// linking flow when no credential exists yet.
package vault

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/vaultbridge/pkg/correlation"
	"github.com/stacklok/vaultbridge/pkg/errors"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/oauth"
	"github.com/stacklok/vaultbridge/pkg/tenant"
)

// requestTimeout bounds every vault call.
const requestTimeout = 15 * time.Second

// connectedAccountsScope is the scope set required to manage a user's
// connected accounts at the vault.
const connectedAccountsScope = "create:me:connected_accounts read:me:connected_accounts delete:me:connected_accounts"

// linkingRequiredErrorCode is the vault's error code for a missing
// federated credential.
const linkingRequiredErrorCode = "federated_connection_refresh_token_not_found"

// ErrLinkingRequired reports that the vault holds no federated credential
// for the user and connection; the caller must run the linking flow.
var ErrLinkingRequired = stderrors.New("account linking required")

// Config holds the vault connection settings.
type Config struct {
	// Domain is the vault tenant domain (hostname or full base URL).
	Domain string

	// CTEClientID and CTEClientSecret authenticate the custom-token-exchange
	// step that turns an agent token into a vault-scoped token.
	CTEClientID     string
	CTEClientSecret string

	// ClientID and ClientSecret authenticate federated-connection exchanges.
	ClientID     string
	ClientSecret string

	// Audience is the audience for vault-scoped tokens.
	Audience string

	// Scope is the scope for vault-scoped tokens.
	Scope string

	// SubjectTokenType identifies the agent token's type in the custom
	// token exchange. Deployment-specific URI.
	SubjectTokenType string
}

// baseURL normalizes Domain into a base URL.
func (c *Config) baseURL() string {
	if strings.Contains(c.Domain, "://") {
		return strings.TrimSuffix(c.Domain, "/")
	}
	return "https://" + strings.TrimSuffix(c.Domain, "/")
}

// meAudience is the audience of the vault's self-service API.
func (c *Config) meAudience() string {
	return c.baseURL() + "/me/"
}

// Client is the vault API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	links      *correlation.Map[*correlation.LinkSession]
}

// NewClient creates a vault client. Link sessions started by BeginLink are
// recorded in links.
func NewClient(cfg Config, links *correlation.Map[*correlation.LinkSession]) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		links:      links,
	}
}

// normalizeScope rewrites the "refresh_token" scope placeholder to
// "offline_access", the form the vault understands. Compatibility shim for
// callers that configure downstream scopes in provider terms.
func normalizeScope(scope string) string {
	if scope == "" {
		return scope
	}
	fields := strings.Fields(scope)
	for i, f := range fields {
		if f == "refresh_token" {
			fields[i] = "offline_access"
		}
	}
	return strings.Join(fields, " ")
}

// internalExchange turns the agent token into a vault-scoped token for the
// given audience and scope via the vault's custom token exchange. The
// vault's token endpoint takes JSON.
func (c *Client) internalExchange(ctx context.Context, agentToken, audience, scope string) (*oauth2.Token, error) {
	payload := map[string]any{
		"grant_type":           oauth.GrantTypeTokenExchange,
		"subject_token":        agentToken,
		"subject_token_type":   c.cfg.SubjectTokenType,
		"requested_token_type": oauth.TokenTypeAccessToken,
		"client_id":            c.cfg.CTEClientID,
		"client_secret":        c.cfg.CTEClientSecret,
	}
	if audience != "" {
		payload["audience"] = audience
	}
	if scope != "" {
		payload["scope"] = normalizeScope(scope)
	}

	var resp oauth.TokenResponse
	if err := oauth.PostJSON(ctx, c.httpClient, c.cfg.baseURL()+"/oauth/token", "", payload, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, errors.NewInternalError("vault returned no access token", nil)
	}
	return resp.Token(), nil
}

// Exchange swaps the agent token for the user's federated downstream access
// token for the tenant's connection. Returns ErrLinkingRequired when the
// vault holds no credential for the user.
func (c *Client) Exchange(ctx context.Context, agentToken string, t *tenant.Config) (string, error) {
	vaultToken, err := c.internalExchange(ctx, agentToken, c.cfg.Audience, c.cfg.Scope)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"grant_type":           oauth.GrantTypeFederatedConnectionAccessToken,
		"subject_token_type":   oauth.TokenTypeAccessToken,
		"requested_token_type": oauth.TokenTypeFederatedConnectionAccessToken,
		"subject_token":        vaultToken.AccessToken,
		"connection":           t.VaultConnection,
		"client_id":            c.cfg.ClientID,
		"client_secret":        c.cfg.ClientSecret,
	}

	var resp oauth.TokenResponse
	err = oauth.PostJSON(ctx, c.httpClient, c.cfg.baseURL()+"/oauth/token", "", payload, &resp)
	if err != nil {
		var upstream *errors.UpstreamError
		if stderrors.As(err, &upstream) &&
			upstream.Status == http.StatusUnauthorized &&
			upstream.Code == linkingRequiredErrorCode {
			logger.Debugw("vault has no federated credential", "connection", t.VaultConnection)
			return "", ErrLinkingRequired
		}
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.NewInternalError("vault returned no federated access token", nil)
	}

	return resp.AccessToken, nil
}

// Link describes a started connected-accounts linking flow.
type Link struct {
	// URL is where the user's browser is sent to authorize the link.
	URL string

	// State is the link_state the vault will echo back at the callback.
	State string

	// AuthSession is the vault's linking-session handle.
	AuthSession string
}

// connectResponse is the vault's connect endpoint response. Tolerant
// decoding: unknown fields ignored.
type connectResponse struct {
	AuthSession   string `json:"auth_session"`
	ConnectURI    string `json:"connect_uri"`
	ConnectParams struct {
		Ticket string `json:"ticket"`
	} `json:"connect_params"`
}

// BeginLink starts a connected-accounts linking flow for the tenant's
// connection and records the LinkSession under a fresh link_state. The
// session is stored before the caller can redirect the browser, so the
// callback always observes it.
func (c *Client) BeginLink(
	ctx context.Context,
	agentToken, oidcState string,
	t *tenant.Config,
	redirectURI string,
	externalScopes []string,
) (*Link, error) {
	userToken, err := c.internalExchange(ctx, agentToken, c.cfg.meAudience(), connectedAccountsScope)
	if err != nil {
		return nil, err
	}

	linkState, err := correlation.NewKey()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate link state", err)
	}

	scopes := make([]string, 0, len(externalScopes))
	for _, s := range externalScopes {
		scopes = append(scopes, normalizeScope(s))
	}

	request := map[string]any{
		"connection":   t.VaultConnection,
		"redirect_uri": redirectURI,
		"state":        linkState,
		"scopes":       scopes,
	}

	var resp connectResponse
	endpoint := c.cfg.baseURL() + "/me/v1/connected-accounts/connect"
	if err := oauth.PostJSON(ctx, c.httpClient, endpoint, userToken.AccessToken, request, &resp); err != nil {
		return nil, err
	}
	if resp.ConnectURI == "" || resp.AuthSession == "" {
		return nil, errors.NewInternalError("vault returned an incomplete connect response", nil)
	}

	c.links.Put(linkState, &correlation.LinkSession{
		OIDCState:   oidcState,
		AuthSession: resp.AuthSession,
		UserToken:   userToken.AccessToken,
		CreatedAt:   time.Now(),
	})

	linkURL := fmt.Sprintf("%s?ticket=%s", resp.ConnectURI, url.QueryEscape(resp.ConnectParams.Ticket))
	logger.Infow("started connected-account linking", "connection", t.VaultConnection)

	return &Link{
		URL:         linkURL,
		State:       linkState,
		AuthSession: resp.AuthSession,
	}, nil
}

// CompleteLink finishes a linking flow with the connect code returned by
// the vault's callback. The vault user token authorizes the call.
func (c *Client) CompleteLink(ctx context.Context, authSession, connectCode, redirectURI, userToken string) error {
	request := map[string]any{
		"auth_session": authSession,
		"connect_code": connectCode,
		"redirect_uri": redirectURI,
	}

	endpoint := c.cfg.baseURL() + "/me/v1/connected-accounts/complete"
	if err := oauth.PostJSON(ctx, c.httpClient, endpoint, userToken, request, nil); err != nil {
		return err
	}

	logger.Infow("completed connected-account linking")
	return nil
}
