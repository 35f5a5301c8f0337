package flow

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/oauth"
)

// tokenRequest is the /token request body, accepted as form-urlencoded or
// JSON.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	ClientID     string `json:"client_id"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

// tokenResponse is the /token success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
}

// Token handles POST /token: it redeems a return code for the agent access
// token, enforcing PKCE and client binding. Codes are single-use; the
// read-and-delete is atomic.
func (o *Orchestrator) Token(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	if req.GrantType != oauth.GrantTypeAuthorizationCode {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"only authorization_code is supported")
		return
	}
	if req.Code == "" || req.ClientID == "" || req.CodeVerifier == "" || req.RedirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"code, client_id, code_verifier and redirect_uri are required")
		return
	}

	returnCode, ok := o.store.Codes.Take(req.Code)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired code")
		return
	}

	original := returnCode.Original
	if original.CodeChallenge == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"authorization request did not include a code challenge")
		return
	}
	if !verifyPKCES256(req.CodeVerifier, original.CodeChallenge, original.CodeChallengeMethod) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}
	if req.ClientID != original.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"client_id does not match the authorization request")
		return
	}

	logger.Infow("redeemed return code", "tenant", returnCode.TenantID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: returnCode.AgentAccessToken,
		TokenType:   "Bearer",
		Scope:       returnCode.Scope,
		ExpiresIn:   returnCode.ExpiresIn,
		IDToken:     returnCode.IDToken,
	}); err != nil {
		logger.Errorf("failed to encode token response: %v", err)
	}
}

// parseTokenRequest reads the request body as JSON or form-urlencoded,
// keyed on Content-Type.
func parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		ClientID:     r.PostFormValue("client_id"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
	}, nil
}

// verifyPKCES256 checks base64url(sha256(verifier)) against the challenge.
// Only the S256 method is accepted.
func verifyPKCES256(verifier, challenge, method string) bool {
	if method != "S256" {
		return false
	}
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
