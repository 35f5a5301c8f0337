package correlation

import (
	"net/url"
	"time"
)

// InboundAuthorize captures the client's original /authorize request so it
// can be replayed when the browser returns and checked again at /token.
type InboundAuthorize struct {
	// TenantID is the tenant the client asked to authorize against.
	TenantID string

	// State is the client's opaque state, echoed back verbatim.
	State string

	// ClientID is the inbound OAuth client identifier.
	ClientID string

	// RedirectURI is where the client asked to be sent back to.
	RedirectURI string

	// CodeChallenge and CodeChallengeMethod carry the client's PKCE
	// commitment; verified at /token.
	CodeChallenge       string
	CodeChallengeMethod string

	// Raw is the full inbound query, kept for later rebinding.
	Raw url.Values
}

// StagedAgentToken is the agent access token obtained from the IdP chain,
// parked while a linking flow is in progress.
type StagedAgentToken struct {
	AccessToken string
	Scope       string
	ExpiresIn   int
	IDToken     string
}

// OIDCOutbound correlates an outbound IdP flow with the inbound request that
// started it. Written at /authorize without tokens; the staged token is
// filled in only when the flow detours through account linking.
type OIDCOutbound struct {
	Inbound  *InboundAuthorize
	TenantID string
	Staged   *StagedAgentToken
}

// LinkSession correlates a connected-accounts linking flow back to the OIDC
// flow that required it.
type LinkSession struct {
	// OIDCState is the outbound_state of the originating flow.
	OIDCState string

	// AuthSession is the vault's opaque linking-session handle.
	AuthSession string

	// UserToken is the vault user token used to complete the link.
	UserToken string

	// CreatedAt records when the link began.
	CreatedAt time.Time
}

// ReturnCode is the single-use authorization code handed back to the client
// at the end of the browser flow, redeemed at /token.
type ReturnCode struct {
	AgentAccessToken string
	Scope            string
	ExpiresIn        int
	IDToken          string

	// OriginalState is the inbound client state.
	OriginalState string

	// TenantID is the tenant the code was minted for.
	TenantID string

	// Original is the inbound authorize context, used to rebind client_id
	// and the PKCE challenge at /token.
	Original *InboundAuthorize
}
