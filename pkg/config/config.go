// Package config loads the proxy's environment configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the resolved environment configuration for the proxy.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `mapstructure:"port"`

	// ProxyBaseURL is the externally visible base URL of this proxy,
	// used to build redirect URIs and metadata documents.
	ProxyBaseURL string `mapstructure:"proxy_base_url"`

	// OktaDomain is the base URL of the upstream identity provider.
	OktaDomain string `mapstructure:"okta_domain"`

	// Auth0Domain is the hostname of the token vault.
	Auth0Domain string `mapstructure:"auth0_domain"`

	// Auth0CTEClientID authenticates the custom-token-exchange client at the vault.
	Auth0CTEClientID string `mapstructure:"auth0_cte_client_id"`

	// Auth0CTEClientSecret is the secret for Auth0CTEClientID.
	Auth0CTEClientSecret string `mapstructure:"auth0_cte_client_secret"`

	// Auth0VaultClientID authenticates federated-connection exchanges at the vault.
	Auth0VaultClientID string `mapstructure:"auth0_vault_client_id"`

	// Auth0VaultClientSecret is the secret for Auth0VaultClientID.
	Auth0VaultClientSecret string `mapstructure:"auth0_vault_client_secret"`

	// Auth0VaultAudience is the audience requested for vault-scoped tokens.
	Auth0VaultAudience string `mapstructure:"auth0_vault_audience"`

	// Auth0VaultScope is the scope requested for vault-scoped tokens.
	Auth0VaultScope string `mapstructure:"auth0_vault_scope"`

	// VSCodeClient is the proxy's client ID at the upstream IdP for the
	// browser-facing OIDC leg.
	VSCodeClient string `mapstructure:"vscode_client"`

	// VSCodeSecret is the client secret for VSCodeClient.
	VSCodeSecret string `mapstructure:"vscode_secret"`

	// AgentClientID identifies the agent at the IdP for token exchange.
	AgentClientID string `mapstructure:"agent_client_id"`

	// AgentPrivateKeyPath is the path to the agent's RSA private key (PEM).
	AgentPrivateKeyPath string `mapstructure:"agent_private_key_path"`

	// AgentPrivateKeyID is the kid registered for the agent's key.
	AgentPrivateKeyID string `mapstructure:"agent_private_key_id"`

	// ConfigPath is the path to the tenant configuration file.
	ConfigPath string `mapstructure:"config_path"`

	// ExpectedAudience, when set, is enforced against inbound token audiences.
	ExpectedAudience string `mapstructure:"expected_audience"`

	// AudiencePrefixMatch allows inbound audiences to prefix-match
	// ExpectedAudience instead of requiring list membership.
	AudiencePrefixMatch bool `mapstructure:"audience_prefix_match"`
}

// envKeys lists every environment variable the proxy consumes.
var envKeys = []string{
	"port",
	"proxy_base_url",
	"okta_domain",
	"auth0_domain",
	"auth0_cte_client_id",
	"auth0_cte_client_secret",
	"auth0_vault_client_id",
	"auth0_vault_client_secret",
	"auth0_vault_audience",
	"auth0_vault_scope",
	"vscode_client",
	"vscode_secret",
	"agent_client_id",
	"agent_private_key_path",
	"agent_private_key_id",
	"config_path",
	"expected_audience",
	"audience_prefix_match",
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("port", 3000)
	v.SetDefault("config_path", "tenants.json")

	for _, key := range envKeys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := &Config{
		Port:                   v.GetInt("port"),
		ProxyBaseURL:           strings.TrimSuffix(v.GetString("proxy_base_url"), "/"),
		OktaDomain:             strings.TrimSuffix(v.GetString("okta_domain"), "/"),
		Auth0Domain:            v.GetString("auth0_domain"),
		Auth0CTEClientID:       v.GetString("auth0_cte_client_id"),
		Auth0CTEClientSecret:   v.GetString("auth0_cte_client_secret"),
		Auth0VaultClientID:     v.GetString("auth0_vault_client_id"),
		Auth0VaultClientSecret: v.GetString("auth0_vault_client_secret"),
		Auth0VaultAudience:     v.GetString("auth0_vault_audience"),
		Auth0VaultScope:        v.GetString("auth0_vault_scope"),
		VSCodeClient:           v.GetString("vscode_client"),
		VSCodeSecret:           v.GetString("vscode_secret"),
		AgentClientID:          v.GetString("agent_client_id"),
		AgentPrivateKeyPath:    v.GetString("agent_private_key_path"),
		AgentPrivateKeyID:      v.GetString("agent_private_key_id"),
		ConfigPath:             v.GetString("config_path"),
		ExpectedAudience:       v.GetString("expected_audience"),
		AudiencePrefixMatch:    v.GetBool("audience_prefix_match"),
	}

	return cfg, nil
}

// Validate checks that the fields required to serve traffic are present.
func (c *Config) Validate() error {
	if c.ProxyBaseURL == "" {
		return fmt.Errorf("PROXY_BASE_URL is required")
	}
	if c.OktaDomain == "" {
		return fmt.Errorf("OKTA_DOMAIN is required")
	}
	if c.Auth0Domain == "" {
		return fmt.Errorf("AUTH0_DOMAIN is required")
	}
	if c.VSCodeClient == "" {
		return fmt.Errorf("VSCODE_CLIENT is required")
	}
	if c.AgentClientID == "" || c.AgentPrivateKeyPath == "" || c.AgentPrivateKeyID == "" {
		return fmt.Errorf("AGENT_CLIENT_ID, AGENT_PRIVATE_KEY_PATH and AGENT_PRIVATE_KEY_ID are required")
	}
	return nil
}

// RedirectURI returns the proxy's IdP callback URI.
func (c *Config) RedirectURI() string {
	return c.ProxyBaseURL + "/callback"
}

// LinkRedirectURI returns the proxy's connected-account callback URI.
func (c *Config) LinkRedirectURI() string {
	return c.ProxyBaseURL + "/connected_account_callback"
}
