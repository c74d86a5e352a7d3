package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "waitr.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Server.Workers)
	assert.Equal(t, "./www", cfg.Static.Root)
	assert.Equal(t, "index.html", cfg.Static.Index)
	assert.Equal(t, DefaultProxyConcurrency, cfg.Server.ProxyConcurrency)
}

func TestLoadParsesProxyRoutes(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 8080
workers = 4

[static]
root = "./www"
index = "index.html"

[[proxy]]
prefix = "/api"
upstream = "http://127.0.0.1:9000"

[[proxy]]
prefix = "/api/v2"
upstream = "http://127.0.0.1:9001"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Proxy, 2)
	assert.Equal(t, "/api", cfg.Proxy[0].Prefix)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.Proxy[0].Upstream)
	assert.Equal(t, 4, cfg.Server.Workers)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 70000
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	path := writeConfig(t, `
[server]
workers = 0
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
