package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsBase(t *testing.T) {
	base := Default()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), base)
	require.NoError(t, err)
	assert.Equal(t, base, cfg)
}

func TestLoadOverridesBaseFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "upstream_ssid: home-network\nmax_clients: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path, Default())
	require.NoError(t, err)
	assert.Equal(t, "home-network", cfg.UpstreamSSID)
	assert.Equal(t, 4, cfg.MaxClients)
	assert.Equal(t, Default().APSSID, cfg.APSSID, "unset keys must keep base's value")
}

func TestValidateRejectsZeroMaxClients(t *testing.T) {
	cfg := Default()
	cfg.MaxClients = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOversizedMaxClients(t *testing.T) {
	cfg := Default()
	cfg.MaxClients = 32
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownAuthMode(t *testing.T) {
	cfg := Default()
	cfg.AuthMode = "unknown"
	assert.Error(t, cfg.Validate())
}
