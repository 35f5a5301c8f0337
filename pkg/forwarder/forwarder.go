// Package forwarder implements the request-time path: it validates the
// inbound bearer, swaps it for the vaulted downstream credential, and
// relays the request to the tenant's backend.
package forwarder

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/vaultbridge/pkg/auth"
	"github.com/stacklok/vaultbridge/pkg/config"
	"github.com/stacklok/vaultbridge/pkg/errors"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/tenant"
	"github.com/stacklok/vaultbridge/pkg/vault"
)

// forwardTimeout bounds every backend request.
const forwardTimeout = 30 * time.Second

// responseHeaderAllowlist is the fixed set of backend response headers
// relayed to the client.
var responseHeaderAllowlist = []string{
	"Content-Type",
	"Cache-Control",
	"Etag",
	"Last-Modified",
}

// bodyMethods are the inbound methods whose bodies are forwarded.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Forwarder relays authenticated requests to tenant backends.
type Forwarder struct {
	cfg        *config.Config
	tenants    *tenant.Registry
	authorizer *auth.Authorizer
	vault      *vault.Client
	httpClient *http.Client
}

// New creates a forwarder with the standard backend timeout.
func New(cfg *config.Config, tenants *tenant.Registry, authorizer *auth.Authorizer, vaultClient *vault.Client) *Forwarder {
	return &Forwarder{
		cfg:        cfg,
		tenants:    tenants,
		authorizer: authorizer,
		vault:      vaultClient,
		httpClient: &http.Client{Timeout: forwardTimeout},
	}
}

// errorResponse is the forwarder's error body shape.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message}); err != nil {
		logger.Errorf("failed to encode error response: %v", err)
	}
}

// resourceMetadataURL points clients at this proxy's RFC 9728 document for
// the tenant.
func (f *Forwarder) resourceMetadataURL(tenantID string) string {
	return f.cfg.ProxyBaseURL + "/.well-known/oauth-protected-resource/" + tenantID
}

// ServeHTTP handles ANY /{tenant}/{path...}.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	t, ok := f.tenants.Lookup(tenantID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown tenant")
		return
	}

	bearer, err := f.authorizer.Authorize(r.Context(), t, r)
	if err != nil {
		f.denyUnauthorized(w, tenantID, err)
		return
	}

	// The inbound bearer never crosses to the backend; only a vaulted
	// downstream credential does.
	outboundBearer := ""
	if t.VaultConnection != "" {
		downstream, err := f.vault.Exchange(r.Context(), bearer, t)
		switch {
		case err == nil:
			outboundBearer = downstream
		case stderrors.Is(err, vault.ErrLinkingRequired):
			w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate(
				"invalid_token", "Account linking required", f.resourceMetadataURL(tenantID)))
			writeError(w, http.StatusUnauthorized, "authorization_required", "Account linking required")
			return
		default:
			logger.Errorw("vault exchange failed", "tenant", tenantID, "error", err)
			writeError(w, http.StatusForbidden, "access_denied", "credential exchange failed")
			return
		}
	}

	f.forward(w, r, t, chi.URLParam(r, "*"), outboundBearer)
}

// denyUnauthorized writes the authorizer's verdict with a WWW-Authenticate
// header pointing at the protected-resource metadata.
func (f *Forwarder) denyUnauthorized(w http.ResponseWriter, tenantID string, err error) {
	status := errors.Code(err)
	errCode := "invalid_token"
	if status == http.StatusForbidden {
		errCode = "insufficient_scope"
	}

	var typed *errors.Error
	message := "authentication failed"
	if stderrors.As(err, &typed) {
		message = typed.Message
	}

	w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate(errCode, message, f.resourceMetadataURL(tenantID)))
	writeError(w, status, errCode, message)
}

// forward builds the outbound request and relays the backend's response.
// The inbound Authorization and Host headers never cross.
func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, t *tenant.Config, rest, bearer string) {
	target := t.BackendURL
	if rest != "" {
		target += "/" + rest
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if bodyMethods[r.Method] {
		body = r.Body
	}

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build backend request")
		return
	}

	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		outbound.Header.Set("Content-Type", contentType)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		outbound.Header.Set("Accept", accept)
	}
	if bearer != "" {
		outbound.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := f.httpClient.Do(outbound)
	if err != nil {
		f.writeForwardError(w, t, err)
		return
	}
	defer resp.Body.Close()

	for _, header := range responseHeaderAllowlist {
		if value := resp.Header.Get(header); value != "" {
			w.Header().Set(header, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debugf("failed to relay backend response body: %v", err)
	}
}

// writeForwardError maps a transport failure to 502 (unreachable), 504
// (timeout or abort), or 500 (local).
func (f *Forwarder) writeForwardError(w http.ResponseWriter, t *tenant.Config, err error) {
	logger.Errorw("backend request failed", "tenant", t.ID, "error", err)

	var netErr net.Error
	switch {
	case stderrors.As(err, &netErr) && netErr.Timeout(),
		stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "gateway_timeout", "backend request timed out")
	case isConnectionError(err):
		writeError(w, http.StatusBadGateway, "bad_gateway", "backend unreachable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "backend request failed")
	}
}

// isConnectionError reports whether the backend could not be reached at all.
func isConnectionError(err error) bool {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return strings.Contains(urlErr.Err.Error(), "connection refused")
	}
	return false
}
