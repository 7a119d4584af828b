package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("PORTAL_ENV", "development")
	path := writeConfig(t, "routing:\n  strategy: auto\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Routing.TimeoutSeconds)
	assert.Equal(t, "http://localhost:11434", cfg.Backends.OllamaBaseURL)
	assert.Equal(t, 10000, cfg.Security.MaxMessageLength)
}

func TestLoad_RejectsChangemeSecretInAnyEnv(t *testing.T) {
	t.Setenv("PORTAL_ENV", "development")
	path := writeConfig(t, "security:\n  mcp_api_key: changeme-mcp-secret\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changeme-mcp-secret")
}

func TestLoad_RejectsDefaultBootstrapKeyInProduction(t *testing.T) {
	t.Setenv("PORTAL_ENV", "production")
	path := writeConfig(t, "security:\n  bootstrap_api_key: portal-dev-key\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORTAL_BOOTSTRAP_API_KEY")
}

func TestLoad_AllowsDevDefaultBootstrapKeyInDevelopment(t *testing.T) {
	t.Setenv("PORTAL_ENV", "development")
	path := writeConfig(t, "security:\n  bootstrap_api_key: portal-dev-key\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "portal-dev-key", cfg.Security.BootstrapAPIKey)
}

func TestLoad_EnvOverridesSecretOverFile(t *testing.T) {
	t.Setenv("PORTAL_ENV", "development")
	t.Setenv("MCP_API_KEY", "a-strong-generated-secret")
	path := writeConfig(t, "security:\n  mcp_api_key: some-file-value\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a-strong-generated-secret", cfg.Security.MCPAPIKey)
}
