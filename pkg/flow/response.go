package flow

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"

	"github.com/stacklok/vaultbridge/pkg/errors"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/vault"
)

// oauthErrorResponse is the OAuth 2.0 error-response shape.
type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOAuthError writes an OAuth-shaped error body with the given status.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oauthErrorResponse{
		Error:            code,
		ErrorDescription: description,
	}); err != nil {
		logger.Errorf("failed to encode error response: %v", err)
	}
}

// clientRedirect appends code and state to the client's redirect URI,
// preserving any query it already carries.
func clientRedirect(redirectURI, code, state string) string {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		// Validated at /authorize; fall back to naive concatenation.
		return redirectURI + "?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(state)
	}
	query := parsed.Query()
	query.Set("code", code)
	query.Set("state", state)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// statusForUpstream maps an exchange failure to a response status: the
// upstream's own status when a response was received, 502 when the upstream
// was unreachable, 500 for local failures.
func statusForUpstream(err error) int {
	var upstream *errors.UpstreamError
	if stderrors.As(err, &upstream) && upstream.Status != 0 {
		return upstream.Status
	}

	var typed *errors.Error
	if stderrors.As(err, &typed) && typed.Type == errors.ErrGateway {
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

// isLinkingRequired reports whether the vault asked for account linking.
func isLinkingRequired(err error) bool {
	return stderrors.Is(err, vault.ErrLinkingRequired)
}
