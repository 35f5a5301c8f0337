package tenant

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTenantFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRegistry(t *testing.T) {
	t.Parallel()

	path := writeTenantFile(t, `[
		{
			"id": "github",
			"name": "GitHub",
			"backend_url": "https://backend.example.com/",
			"issuer": "https://idp.example.com/oauth2/aus1",
			"jwks_url": "https://idp.example.com/oauth2/aus1/v1/keys",
			"vault_connection": "github",
			"external_scopes": ["repo", "read:user"]
		}
	]`)

	registry, err := LoadRegistry(path)
	require.NoError(t, err)

	got, ok := registry.Lookup("github")
	require.True(t, ok)
	assert.Equal(t, "GitHub", got.Name)
	assert.Equal(t, "https://backend.example.com", got.BackendURL, "trailing slash trimmed")
	assert.Equal(t, []string{"repo", "read:user"}, got.ExternalScopes)

	_, ok = registry.Lookup("unknown")
	assert.False(t, ok)
}

func TestLoadRegistryWrappedObject(t *testing.T) {
	t.Parallel()

	path := writeTenantFile(t, `{"tenants": [
		{
			"id": "jira",
			"backend_url": "https://jira.example.com",
			"issuer": "https://idp.example.com/oauth2/aus2",
			"jwks_url": "https://idp.example.com/oauth2/aus2/v1/keys"
		}
	]}`)

	registry, err := LoadRegistry(path)
	require.NoError(t, err)

	_, ok := registry.Lookup("jira")
	assert.True(t, ok)
}

func TestLoadRegistryErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "not json",
			content: "not json at all",
			wantErr: "failed to parse",
		},
		{
			name:    "missing issuer",
			content: `[{"id": "x", "backend_url": "https://b", "jwks_url": "https://k"}]`,
			wantErr: "issuer is required",
		},
		{
			name: "duplicate id",
			content: `[
				{"id": "x", "backend_url": "https://b", "issuer": "https://i", "jwks_url": "https://k"},
				{"id": "x", "backend_url": "https://b", "issuer": "https://i", "jwks_url": "https://k"}
			]`,
			wantErr: "duplicate tenant id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadRegistry(writeTenantFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read tenant file")
}

func TestTokenEndpoint(t *testing.T) {
	t.Parallel()

	cfg := &Config{Issuer: "https://idp.example.com/oauth2/aus1/"}
	assert.Equal(t, "https://idp.example.com/oauth2/aus1/v1/token", cfg.TokenEndpoint())
}
