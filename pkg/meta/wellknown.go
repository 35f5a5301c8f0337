// Package meta serves the proxy's OAuth discovery surface: RFC 9728
// protected-resource metadata, RFC 8414 authorization-server metadata, and
// the RFC 7591 registration stub.
package meta

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/vaultbridge/pkg/config"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/tenant"
)

// Handler serves the discovery documents.
type Handler struct {
	cfg     *config.Config
	tenants *tenant.Registry
}

// NewHandler creates the metadata handler.
func NewHandler(cfg *config.Config, tenants *tenant.Registry) *Handler {
	return &Handler{cfg: cfg, tenants: tenants}
}

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ResourceName         string   `json:"resource_name"`
}

// AuthorizationServerMetadata is the RFC 8414 document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ProtectedResources                []string `json:"protected_resources"`
}

// writeJSON writes a discovery document with the CORS headers browser-based
// clients need.
func writeJSON(w http.ResponseWriter, r *http.Request, doc any) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "mcp-protocol-version, Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.Errorf("failed to encode discovery response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// ProtectedResource handles
// GET /.well-known/oauth-protected-resource/{tenant}/{path...}.
func (h *Handler) ProtectedResource(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	t, ok := h.tenants.Lookup(tenantID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, r, ProtectedResourceMetadata{
		Resource:             h.cfg.ProxyBaseURL + "/" + tenantID,
		AuthorizationServers: []string{h.cfg.ProxyBaseURL + "/" + tenantID},
		ResourceName:         t.Name,
	})
}

// AuthorizationServer handles
// GET /.well-known/oauth-authorization-server/{tenant}/{path...}.
func (h *Handler) AuthorizationServer(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	t, ok := h.tenants.Lookup(tenantID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	scopes := []string{"openid", "profile"}
	scopes = append(scopes, t.ExternalScopes...)

	base := h.cfg.ProxyBaseURL
	writeJSON(w, r, AuthorizationServerMetadata{
		Issuer:                            base + "/" + tenantID,
		AuthorizationEndpoint:             base + "/authorize/" + tenantID,
		TokenEndpoint:                     base + "/token",
		JWKSURI:                           t.JWKSURL,
		RegistrationEndpoint:              base + "/register",
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ProtectedResources:                []string{base + "/" + tenantID},
	})
}
