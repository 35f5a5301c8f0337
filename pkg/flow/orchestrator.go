// Package flow implements the browser-driven authorization state machine:
// it binds the client's inbound OAuth flow to the outbound IdP flow, the
// vault exchange, and the optional connected-accounts linking detour, and
// finally redeems the issued code at /token.
package flow

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/vaultbridge/pkg/config"
	"github.com/stacklok/vaultbridge/pkg/correlation"
	"github.com/stacklok/vaultbridge/pkg/errors"
	"github.com/stacklok/vaultbridge/pkg/idp"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/tenant"
	"github.com/stacklok/vaultbridge/pkg/vault"
)

// Orchestrator drives a flow through its states across four HTTP requests.
type Orchestrator struct {
	cfg     *config.Config
	tenants *tenant.Registry
	store   *correlation.Store
	idp     *idp.Client
	vault   *vault.Client
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(
	cfg *config.Config,
	tenants *tenant.Registry,
	store *correlation.Store,
	idpClient *idp.Client,
	vaultClient *vault.Client,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		tenants: tenants,
		store:   store,
		idp:     idpClient,
		vault:   vaultClient,
	}
}

// Authorize handles GET /authorize/{tenant}: it captures the inbound
// request, opens an outbound OIDC flow, and bounces the browser to the IdP.
func (o *Orchestrator) Authorize(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if _, ok := o.tenants.Lookup(tenantID); !ok {
		writeOAuthError(w, http.StatusNotFound, "invalid_request", "unknown tenant")
		return
	}

	query := r.URL.Query()
	inbound := &correlation.InboundAuthorize{
		TenantID:            tenantID,
		State:               query.Get("state"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Raw:                 query,
	}
	if inbound.RedirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}

	outboundState, err := correlation.NewKey()
	if err != nil {
		o.internalError(w, err)
		return
	}
	nonce, err := correlation.NewKey()
	if err != nil {
		o.internalError(w, err)
		return
	}

	// No tokens are staged yet; the entry only binds the two flows.
	o.store.OIDC.Put(outboundState, &correlation.OIDCOutbound{
		Inbound:  inbound,
		TenantID: tenantID,
	})

	location := idp.AuthorizeURL(o.cfg.OktaDomain, o.cfg.VSCodeClient, o.cfg.RedirectURI(), outboundState, nonce)
	logger.Debugw("opened outbound OIDC flow", "tenant", tenantID)
	http.Redirect(w, r, location, http.StatusFound)
}

// Callback handles GET /callback: the IdP returns the authorization code,
// the exchange chain runs, and the flow either finishes or detours into
// account linking.
func (o *Orchestrator) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		// The IdP rejected the login; drop any state we hold for it.
		if state := query.Get("state"); state != "" {
			o.store.OIDC.Delete(state)
		}
		writeOAuthError(w, http.StatusBadRequest, errCode, query.Get("error_description"))
		return
	}

	state := query.Get("state")
	entry, ok := o.store.OIDC.Get(state)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_state", "unknown or expired state")
		return
	}

	t, ok := o.tenants.Lookup(entry.TenantID)
	if !ok {
		o.store.OIDC.Delete(state)
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "tenant no longer configured")
		return
	}

	idpTokenEndpoint := idp.TokenEndpoint(o.cfg.OktaDomain)
	agent := idp.AgentCredentials{
		ClientID:       o.cfg.AgentClientID,
		PrivateKeyPath: o.cfg.AgentPrivateKeyPath,
		KeyID:          o.cfg.AgentPrivateKeyID,
	}

	idToken, err := o.idp.CompleteOIDCLogin(ctx, idpTokenEndpoint,
		query.Get("code"), o.cfg.RedirectURI(), "openid profile",
		o.cfg.VSCodeClient, o.cfg.VSCodeSecret)
	if err != nil {
		o.failCallback(w, state, err)
		return
	}

	idJAG, err := o.idp.IDTokenToIDJAG(ctx, idpTokenEndpoint, t, idToken, agent)
	if err != nil {
		o.failCallback(w, state, err)
		return
	}

	agentToken, err := o.idp.IDJAGToAccessToken(ctx, t, idJAG, agent)
	if err != nil {
		o.failCallback(w, state, err)
		return
	}

	staged := &correlation.StagedAgentToken{
		AccessToken: agentToken.AccessToken,
		Scope:       agentToken.Scope,
		ExpiresIn:   agentToken.ExpiresIn,
		IDToken:     idToken,
	}

	_, err = o.vault.Exchange(ctx, agentToken.AccessToken, t)
	switch {
	case err == nil:
		o.issueCode(w, r, state, entry, staged)

	case isLinkingRequired(err):
		link, linkErr := o.vault.BeginLink(ctx, agentToken.AccessToken, state, t,
			o.cfg.LinkRedirectURI(), t.ExternalScopes)
		if linkErr != nil {
			o.store.OIDC.Delete(state)
			logger.Errorw("failed to start account linking", "tenant", t.ID, "error", linkErr)
			writeOAuthError(w, http.StatusForbidden, "access_denied", "failed to start account linking")
			return
		}

		// Publish the staged token before the browser leaves, so the link
		// callback always observes it.
		entry.Staged = staged
		o.store.OIDC.Put(state, entry)

		logger.Infow("account linking required", "tenant", t.ID)
		http.Redirect(w, r, link.URL, http.StatusFound)

	default:
		o.store.OIDC.Delete(state)
		logger.Errorw("vault exchange failed", "tenant", t.ID, "error", err)
		writeOAuthError(w, http.StatusForbidden, "access_denied", "credential exchange failed")
	}
}

// LinkCallback handles GET /connected_account_callback: the vault returns
// the connect code, the link completes, and the parked flow finishes.
func (o *Orchestrator) LinkCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	linkSession, ok := o.store.Links.Take(query.Get("state"))
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_state", "unknown or expired link state")
		return
	}

	err := o.vault.CompleteLink(ctx, linkSession.AuthSession, query.Get("connect_code"),
		o.cfg.LinkRedirectURI(), linkSession.UserToken)
	if err != nil {
		o.store.OIDC.Delete(linkSession.OIDCState)
		status := statusForUpstream(err)
		logger.Errorw("failed to complete account linking", "error", err)
		writeOAuthError(w, status, "access_denied", "failed to complete account linking")
		return
	}

	entry, ok := o.store.OIDC.Take(linkSession.OIDCState)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_state", "originating flow expired")
		return
	}
	if entry.Staged == nil {
		o.internalError(w, errors.NewInternalError("link completed without a staged token", nil))
		return
	}
	if _, ok := o.tenants.Lookup(entry.TenantID); !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "tenant no longer configured")
		return
	}

	o.redirectWithCode(w, r, entry, entry.Staged)
}

// issueCode finishes the no-link path: mint a return code, drop the OIDC
// entry, and send the browser back to the client.
func (o *Orchestrator) issueCode(
	w http.ResponseWriter,
	r *http.Request,
	state string,
	entry *correlation.OIDCOutbound,
	staged *correlation.StagedAgentToken,
) {
	o.store.OIDC.Delete(state)
	o.redirectWithCode(w, r, entry, staged)
}

// redirectWithCode mints the single-use return code and redirects to the
// client's redirect_uri with the original state echoed back.
func (o *Orchestrator) redirectWithCode(
	w http.ResponseWriter,
	r *http.Request,
	entry *correlation.OIDCOutbound,
	staged *correlation.StagedAgentToken,
) {
	code, err := correlation.NewKey()
	if err != nil {
		o.internalError(w, err)
		return
	}

	o.store.Codes.Put(code, &correlation.ReturnCode{
		AgentAccessToken: staged.AccessToken,
		Scope:            staged.Scope,
		ExpiresIn:        staged.ExpiresIn,
		IDToken:          staged.IDToken,
		OriginalState:    entry.Inbound.State,
		TenantID:         entry.TenantID,
		Original:         entry.Inbound,
	})

	location := clientRedirect(entry.Inbound.RedirectURI, code, entry.Inbound.State)
	logger.Infow("issued return code", "tenant", entry.TenantID)
	http.Redirect(w, r, location, http.StatusFound)
}

// failCallback maps an exchange-chain failure to a response and evicts the
// flow's correlation state.
func (o *Orchestrator) failCallback(w http.ResponseWriter, state string, err error) {
	o.store.OIDC.Delete(state)
	status := statusForUpstream(err)
	logger.Errorw("token exchange chain failed", "status", status, "error", err)
	writeOAuthError(w, status, "server_error", "upstream token exchange failed")
}

func (o *Orchestrator) internalError(w http.ResponseWriter, err error) {
	logger.Errorw("internal error", "error", err)
	writeOAuthError(w, http.StatusInternalServerError, "server_error", "internal error")
}
