package flow_test

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vaultbridge/pkg/auth"
	"github.com/stacklok/vaultbridge/pkg/config"
	"github.com/stacklok/vaultbridge/pkg/correlation"
	"github.com/stacklok/vaultbridge/pkg/flow"
	"github.com/stacklok/vaultbridge/pkg/forwarder"
	"github.com/stacklok/vaultbridge/pkg/idp"
	"github.com/stacklok/vaultbridge/pkg/meta"
	"github.com/stacklok/vaultbridge/pkg/server"
	"github.com/stacklok/vaultbridge/pkg/tenant"
	"github.com/stacklok/vaultbridge/pkg/testkit"
	"github.com/stacklok/vaultbridge/pkg/vault"
)

const (
	clientState    = "S1 +/=special"
	clientID       = "mcp-client"
	clientRedirect = "http://client.example.com/cb"
	codeVerifier   = "test-verifier-0123456789-0123456789-0123456789"
)

func challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// vaultMode selects the fake vault's federated-exchange behavior.
type vaultMode int

const (
	vaultOK vaultMode = iota
	vaultNeedsLinking
	vaultError
)

// harness stands up the whole proxy surface against fake IdP and vault
// servers.
type harness struct {
	t     *testing.T
	proxy *httptest.Server
	store *correlation.Store

	mode          vaultMode
	lastLinkState string
	completeCalls int
}

func newHarness(t *testing.T, mode vaultMode) *harness {
	t.Helper()

	h := &harness{t: t, mode: mode}

	idpSrv := h.startIdP()
	vaultSrv := h.startVault()

	signing := testkit.NewSigningKey(t, "agent-kid")

	cfg := &config.Config{
		ProxyBaseURL:        "https://proxy.example.com",
		OktaDomain:          idpSrv.URL,
		Auth0Domain:         vaultSrv.URL,
		VSCodeClient:        "proxy-client",
		VSCodeSecret:        "proxy-secret",
		AgentClientID:       "agent-client",
		AgentPrivateKeyPath: signing.WritePEM(t),
		AgentPrivateKeyID:   "agent-kid",
	}

	tenants := tenant.NewRegistry(&tenant.Config{
		ID:              "github",
		Name:            "GitHub",
		BackendURL:      "https://backend.example.com",
		Issuer:          idpSrv.URL + "/oauth2/aus1",
		JWKSURL:         idpSrv.URL + "/oauth2/aus1/v1/keys",
		VaultConnection: "github",
		ExternalScopes:  []string{"repo"},
	})

	h.store = correlation.NewStore()
	t.Cleanup(h.store.Stop)

	vaultClient := vault.NewClient(vault.Config{
		Domain:           vaultSrv.URL,
		CTEClientID:      "cte-client",
		CTEClientSecret:  "cte-secret",
		ClientID:         "vault-client",
		ClientSecret:     "vault-secret",
		SubjectTokenType: "urn:vaultbridge:params:oauth:token-type:agent-token",
	}, h.store.Links)

	authorizer := auth.NewAuthorizer(auth.NewKeyCache(h.store.Keys))

	deps := server.Deps{
		Flow:      flow.NewOrchestrator(cfg, tenants, h.store, idp.NewClient(), vaultClient),
		Forwarder: forwarder.New(cfg, tenants, authorizer, vaultClient),
		Meta:      meta.NewHandler(cfg, tenants),
	}

	h.proxy = httptest.NewServer(server.Router(deps))
	t.Cleanup(h.proxy.Close)
	return h
}

func (h *harness) startIdP() *httptest.Server {
	mux := http.NewServeMux()

	// Org-level token endpoint: authorization_code and token-exchange.
	mux.HandleFunc("/oauth2/v1/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(h.t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")

		switch r.PostFormValue("grant_type") {
		case "authorization_code":
			if r.PostFormValue("code") == "" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "idp-at", "id_token": "idtok", "token_type": "Bearer",
			})
		case "urn:ietf:params:oauth:grant-type:token-exchange":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":      "the-jag",
				"issued_token_type": "urn:ietf:params:oauth:token-type:id-jag",
				"token_type":        "N_A",
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "unsupported_grant_type"})
		}
	})

	// Tenant authorization server: JWT-bearer grant.
	mux.HandleFunc("/oauth2/aus1/v1/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(h.t, r.ParseForm())
		require.Equal(h.t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostFormValue("grant_type"))
		require.Equal(h.t, "the-jag", r.PostFormValue("assertion"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "agent-token", "token_type": "Bearer",
			"scope": "repo", "expires_in": 3600,
		})
	})

	srv := httptest.NewServer(mux)
	h.t.Cleanup(srv.Close)
	return srv
}

func (h *harness) startVault() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")

		if body["grant_type"] == "urn:ietf:params:oauth:grant-type:token-exchange" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "vault-scoped-token", "token_type": "Bearer",
			})
			return
		}

		switch h.mode {
		case vaultOK:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "downstream-token", "token_type": "Bearer",
			})
		case vaultNeedsLinking:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": "federated_connection_refresh_token_not_found",
			})
		case vaultError:
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "access_denied"})
		}
	})

	mux.HandleFunc("/me/v1/connected-accounts/connect", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&body))
		h.lastLinkState, _ = body["state"].(string)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"auth_session":   "session-1",
			"connect_uri":    "https://vault.example.com/connect",
			"connect_params": map[string]any{"ticket": "T"},
		})
	})

	mux.HandleFunc("/me/v1/connected-accounts/complete", func(w http.ResponseWriter, r *http.Request) {
		h.completeCalls++
		require.Equal(h.t, "Bearer vault-scoped-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	srv := httptest.NewServer(mux)
	h.t.Cleanup(srv.Close)
	return srv
}

// client returns an HTTP client that surfaces redirects instead of
// following them.
func (*harness) client() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// authorize runs GET /authorize/github and returns the outbound state the
// proxy generated.
func (h *harness) authorize(t *testing.T) string {
	t.Helper()

	params := url.Values{}
	params.Set("state", clientState)
	params.Set("client_id", clientID)
	params.Set("redirect_uri", clientRedirect)
	params.Set("code_challenge", challenge(codeVerifier))
	params.Set("code_challenge_method", "S256")

	resp, err := h.client().Get(h.proxy.URL + "/authorize/github?" + params.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/oauth2/v1/authorize", location.Path)
	assert.Equal(t, "code", location.Query().Get("response_type"))
	assert.Equal(t, "openid profile", location.Query().Get("scope"))
	assert.Equal(t, "proxy-client", location.Query().Get("client_id"))
	assert.NotEmpty(t, location.Query().Get("nonce"))

	outboundState := location.Query().Get("state")
	require.NotEmpty(t, outboundState)
	return outboundState
}

// callback runs GET /callback and returns the response.
func (h *harness) callback(t *testing.T, state, code string) *http.Response {
	t.Helper()

	params := url.Values{}
	params.Set("state", state)
	params.Set("code", code)

	resp, err := h.client().Get(h.proxy.URL + "/callback?" + params.Encode())
	require.NoError(t, err)
	return resp
}

// redeemCode posts the return code at /token with the given verifier.
func (h *harness) redeemCode(t *testing.T, code, verifier string) *http.Response {
	t.Helper()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("code_verifier", verifier)
	form.Set("redirect_uri", clientRedirect)

	resp, err := h.client().PostForm(h.proxy.URL+"/token", form)
	require.NoError(t, err)
	return resp
}

// requireClientRedirect asserts the response redirects back to the client
// with a code and the original state, and returns the code.
func requireClientRedirect(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	assert.Equal(t, "http", location.Scheme)
	assert.Equal(t, "client.example.com", location.Host)
	assert.Equal(t, clientState, location.Query().Get("state"),
		"inbound state must round-trip byte-for-byte")

	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func oauthErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestHappyPathNoLink(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	state := h.authorize(t)
	code := requireClientRedirect(t, h.callback(t, state, "AUTH1"))

	resp := h.redeemCode(t, code, codeVerifier)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		Scope       string `json:"scope"`
		ExpiresIn   int    `json:"expires_in"`
		IDToken     string `json:"id_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "agent-token", body.AccessToken)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Equal(t, "repo", body.Scope)
	assert.Equal(t, 3600, body.ExpiresIn)
	assert.Equal(t, "idtok", body.IDToken)

	// The flow's correlation entries are gone.
	_, ok := h.store.OIDC.Get(state)
	assert.False(t, ok)
	_, ok = h.store.Codes.Get(code)
	assert.False(t, ok)
}

func TestReturnCodesDifferAcrossRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	first := requireClientRedirect(t, h.callback(t, h.authorize(t), "AUTH1"))
	second := requireClientRedirect(t, h.callback(t, h.authorize(t), "AUTH1"))
	assert.NotEqual(t, first, second)
}

func TestNeedsLinkPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultNeedsLinking)

	state := h.authorize(t)

	// The callback detours to the vault's link URL.
	resp := h.callback(t, state, "AUTH1")
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "vault.example.com", location.Host)
	assert.Equal(t, "T", location.Query().Get("ticket"))
	require.NotEmpty(t, h.lastLinkState)

	// The OIDC entry now carries the staged token.
	entry, ok := h.store.OIDC.Get(state)
	require.True(t, ok)
	require.NotNil(t, entry.Staged)
	assert.Equal(t, "agent-token", entry.Staged.AccessToken)

	// The vault calls back; the link completes and the flow finishes.
	params := url.Values{}
	params.Set("state", h.lastLinkState)
	params.Set("connect_code", "CC")
	linkResp, err := h.client().Get(h.proxy.URL + "/connected_account_callback?" + params.Encode())
	require.NoError(t, err)

	code := requireClientRedirect(t, linkResp)
	assert.Equal(t, 1, h.completeCalls)

	// The link session and OIDC entry are consumed.
	_, ok = h.store.Links.Get(h.lastLinkState)
	assert.False(t, ok)
	_, ok = h.store.OIDC.Get(state)
	assert.False(t, ok)

	tokenResp := h.redeemCode(t, code, codeVerifier)
	defer tokenResp.Body.Close()
	assert.Equal(t, http.StatusOK, tokenResp.StatusCode)
}

func TestCallbackUnknownState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	resp := h.callback(t, "never-issued", "AUTH1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_state", oauthErrorCode(t, resp))
}

func TestCallbackExpiredState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	// Entries in the OIDC namespace expire almost immediately.
	h.store.OIDC.Stop()
	h.store.OIDC = correlation.NewMap[*correlation.OIDCOutbound](30 * time.Millisecond)
	t.Cleanup(h.store.OIDC.Stop)

	state := h.authorize(t)
	time.Sleep(80 * time.Millisecond)

	resp := h.callback(t, state, "AUTH1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_state", oauthErrorCode(t, resp))
}

func TestCallbackIdPError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)
	state := h.authorize(t)

	params := url.Values{}
	params.Set("state", state)
	params.Set("error", "access_denied")
	params.Set("error_description", "user cancelled")

	resp, err := h.client().Get(h.proxy.URL + "/callback?" + params.Encode())
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "access_denied", oauthErrorCode(t, resp))

	// The flow's state is evicted.
	_, ok := h.store.OIDC.Get(state)
	assert.False(t, ok)
}

func TestCallbackVaultError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultError)
	state := h.authorize(t)

	resp := h.callback(t, state, "AUTH1")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	_, ok := h.store.OIDC.Get(state)
	assert.False(t, ok, "error transitions evict the flow's entries")
}

func TestLinkCallbackUnknownState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultNeedsLinking)

	resp, err := h.client().Get(h.proxy.URL + "/connected_account_callback?state=bogus&connect_code=CC")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_state", oauthErrorCode(t, resp))
}

func TestTokenReplayedCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	code := requireClientRedirect(t, h.callback(t, h.authorize(t), "AUTH1"))

	first := h.redeemCode(t, code, codeVerifier)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := h.redeemCode(t, code, codeVerifier)
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, second))
}

func TestTokenPKCEMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	code := requireClientRedirect(t, h.callback(t, h.authorize(t), "AUTH1"))

	resp := h.redeemCode(t, code, "wrong")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, resp))
}

func TestTokenClientIDMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	code := requireClientRedirect(t, h.callback(t, h.authorize(t), "AUTH1"))

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", "someone-else")
	form.Set("code_verifier", codeVerifier)
	form.Set("redirect_uri", clientRedirect)

	resp, err := h.client().PostForm(h.proxy.URL+"/token", form)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, resp))
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("code", "x")
	form.Set("client_id", clientID)
	form.Set("code_verifier", codeVerifier)
	form.Set("redirect_uri", clientRedirect)

	resp, err := h.client().PostForm(h.proxy.URL+"/token", form)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_grant_type", oauthErrorCode(t, resp))
}

func TestTokenMissingFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "x")

	resp, err := h.client().PostForm(h.proxy.URL+"/token", form)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", oauthErrorCode(t, resp))
}

func TestTokenJSONBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	code := requireClientRedirect(t, h.callback(t, h.authorize(t), "AUTH1"))

	payload, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"client_id":     clientID,
		"code_verifier": codeVerifier,
		"redirect_uri":  clientRedirect,
	})
	require.NoError(t, err)

	resp, err := h.client().Post(h.proxy.URL+"/token", "application/json", strings.NewReader(string(payload)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agent-token")
}

func TestAuthorizeUnknownTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	resp, err := h.client().Get(h.proxy.URL + "/authorize/nope?state=S1&client_id=C&redirect_uri=http://c/cb")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "invalid_request", oauthErrorCode(t, resp))
}

func TestAuthorizeMissingRedirectURI(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vaultOK)

	resp, err := h.client().Get(h.proxy.URL + "/authorize/github?state=S1&client_id=C")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", oauthErrorCode(t, resp))
}
