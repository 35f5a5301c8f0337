package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "tenants.json", cfg.ConfigPath)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("PROXY_BASE_URL", "https://proxy.example.com/")
	t.Setenv("OKTA_DOMAIN", "https://org.okta.example.com")
	t.Setenv("AUTH0_DOMAIN", "vault.example.com")
	t.Setenv("VSCODE_CLIENT", "client-123")
	t.Setenv("AGENT_CLIENT_ID", "agent-1")
	t.Setenv("AGENT_PRIVATE_KEY_PATH", "/keys/agent.pem")
	t.Setenv("AGENT_PRIVATE_KEY_ID", "agent-kid")
	t.Setenv("CONFIG_PATH", "/etc/proxy/tenants.json")
	t.Setenv("AUDIENCE_PREFIX_MATCH", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "https://proxy.example.com", cfg.ProxyBaseURL, "trailing slash trimmed")
	assert.Equal(t, "https://org.okta.example.com", cfg.OktaDomain)
	assert.Equal(t, "/etc/proxy/tenants.json", cfg.ConfigPath)
	assert.True(t, cfg.AudiencePrefixMatch)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		ProxyBaseURL:        "https://proxy.example.com",
		OktaDomain:          "https://org.okta.example.com",
		Auth0Domain:         "vault.example.com",
		VSCodeClient:        "client-123",
		AgentClientID:       "agent-1",
		AgentPrivateKeyPath: "/keys/agent.pem",
		AgentPrivateKeyID:   "agent-kid",
	}
	require.NoError(t, valid.Validate())

	missingProxy := valid
	missingProxy.ProxyBaseURL = ""
	assert.ErrorContains(t, missingProxy.Validate(), "PROXY_BASE_URL")

	missingAgent := valid
	missingAgent.AgentPrivateKeyPath = ""
	assert.ErrorContains(t, missingAgent.Validate(), "AGENT_PRIVATE_KEY_PATH")
}

func TestRedirectURIs(t *testing.T) {
	t.Parallel()

	cfg := Config{ProxyBaseURL: "https://proxy.example.com"}
	assert.Equal(t, "https://proxy.example.com/callback", cfg.RedirectURI())
	assert.Equal(t, "https://proxy.example.com/connected_account_callback", cfg.LinkRedirectURI())
}
