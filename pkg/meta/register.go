package meta

import (
	"net/http"
	"time"
)

// ClientRegistrationResponse is the RFC 7591 registration response.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// clientRedirectURIs are the redirect URIs registered for the recognized
// client identity. Editor-style clients loop back on localhost or use their
// own URL scheme.
var clientRedirectURIs = []string{
	"http://127.0.0.1:33418",
	"http://localhost:33418",
	"vscode://vscode.mcp/authorize",
}

// Register handles POST /register: the proxy does not register arbitrary
// clients; it answers with the preconfigured public-client record.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, ClientRegistrationResponse{
		ClientID:                h.cfg.VSCodeClient,
		ClientIDIssuedAt:        time.Now().Unix(),
		ClientName:              "MCP Client",
		RedirectURIs:            clientRedirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
	})
}
