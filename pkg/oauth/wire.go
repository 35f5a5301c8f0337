// Package oauth holds the OAuth 2.0 wire helpers shared by the IdP and
// vault clients: grant/token-type identifiers, token-endpoint posting, and
// error-response decoding.
package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/vaultbridge/pkg/errors"
	"github.com/stacklok/vaultbridge/pkg/logger"
)

// OAuth 2.0 grant-type, token-type, and assertion-type identifiers.
//
//nolint:gosec // G101: URN identifiers, not credentials
const (
	// GrantTypeAuthorizationCode is the standard authorization-code grant.
	GrantTypeAuthorizationCode = "authorization_code"

	// GrantTypeTokenExchange is the RFC 8693 token-exchange grant.
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// GrantTypeJWTBearer is the RFC 7523 JWT-bearer authorization grant.
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// GrantTypeFederatedConnectionAccessToken is the vault's grant for
	// minting federated downstream tokens from a vault-scoped token.
	GrantTypeFederatedConnectionAccessToken = "urn:auth0:params:oauth:grant-type:token-exchange:federated-connection-access-token"

	// TokenTypeAccessToken identifies an OAuth 2.0 access token.
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// TokenTypeIDToken identifies an OIDC ID token.
	TokenTypeIDToken = "urn:ietf:params:oauth:token-type:id_token"

	// TokenTypeIDJAG identifies an identity-assertion JWT authorization grant.
	TokenTypeIDJAG = "urn:ietf:params:oauth:token-type:id-jag"

	// TokenTypeFederatedConnectionAccessToken is the requested token type
	// for federated-connection exchanges at the vault.
	TokenTypeFederatedConnectionAccessToken = "http://auth0.com/oauth/token-type/federated-connection-access-token"

	// ClientAssertionTypeJWTBearer is the RFC 7523 client-assertion type.
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// maxResponseBodySize caps token-endpoint response reads (1 MB).
const maxResponseBodySize = 1 << 20

// TokenResponse is the decoded body of a successful token-endpoint call.
// Unknown fields are ignored; optional fields default to their zero values.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token"`
	IDToken         string `json:"id_token"`
}

// Token converts the response into an oauth2.Token.
func (r *TokenResponse) Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return token
}

// wireError is an OAuth 2.0 error response body (RFC 6749 Section 5.2).
type wireError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// PostForm posts form-urlencoded data to a token endpoint and decodes the
// response. Transport failures become gateway errors; non-2xx responses
// become UpstreamErrors carrying the upstream status and OAuth error code.
func PostForm(ctx context.Context, client *http.Client, endpoint string, data url.Values) (*TokenResponse, error) {
	encoded := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, errors.NewInternalError("failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	req.Header.Set("Accept", "application/json")

	return execute(client, req)
}

// PostJSON posts a JSON body, optionally with a bearer token, and decodes
// the raw response into out. Error classification matches PostForm.
func PostJSON(ctx context.Context, client *http.Client, endpoint, bearer string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.NewInternalError("failed to encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return errors.NewInternalError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	respBody, err := do(client, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.NewInternalError("failed to parse response", err)
	}
	return nil
}

func execute(client *http.Client, req *http.Request) (*TokenResponse, error) {
	body, err := do(client, req)
	if err != nil {
		return nil, err
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, errors.NewInternalError("failed to parse token response", err)
	}
	return &tokenResp, nil
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.NewGatewayError("upstream request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, errors.NewGatewayError("failed to read upstream response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamError(resp.StatusCode, body)
	}
	return body, nil
}

// upstreamError decodes an OAuth error body, falling back to the bare
// status when the body is not OAuth-shaped.
func upstreamError(statusCode int, body []byte) *errors.UpstreamError {
	var wire wireError
	if err := json.Unmarshal(body, &wire); err != nil || wire.Error == "" {
		logger.Debugf("upstream returned status %d with non-OAuth body", statusCode)
		return &errors.UpstreamError{Status: statusCode}
	}
	return &errors.UpstreamError{
		Status:      statusCode,
		Code:        wire.Error,
		Description: wire.ErrorDescription,
	}
}
