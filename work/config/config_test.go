package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stalker-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_missingEverything(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"), "")
	require.Error(t, err)

	var cfgErr *types.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.True(t, errors.Is(err, ErrNoProviders))
}

func TestLoad_jsonFile(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"baseURL": "http://gw.local:9000/",
		"sessionTTL": "10m",
		"stallTimeout": "5s",
		"providers": [
			{"name": "Main", "url": "http://portal.test/c/", "devices": ["A", "B", "A", " "]}
		]
	}`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "http://gw.local:9000", cfg.BaseURL)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 5*time.Second, cfg.StallTimeout)
	assert.Equal(t, time.Hour, cfg.CatalogTTL)
	require.Len(t, cfg.Providers, 1)
	p := cfg.Providers[0]
	assert.Equal(t, "http://portal.test/c", p.URL)
	assert.Equal(t, []string{"A", "B"}, p.Devices)
	assert.Equal(t, DefaultAPIPath, p.APIPath)
	assert.Equal(t, DefaultUserAgent, p.UserAgent)
	assert.Equal(t, path, cfg.Source)
}

func TestLoad_yamlFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
cooldown: 90s
portals:
  http://b.test/c: ["dev-2"]
  http://a.test/c: ["dev-1"]
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.CooldownDuration)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "http://a.test/c", cfg.Providers[0].URL)
	assert.Equal(t, "a.test", cfg.Providers[0].Name)
	assert.Equal(t, "http://b.test/c", cfg.Providers[1].URL)
}

func TestLoad_envPortalsMergeWithFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"providers": [{"url": "http://portal.test/c", "devices": ["A"]}]}`)

	cfg, err := Load(path, `{"http://portal.test/c": ["B"], "http://other.test/c": ["C"]}`)
	require.NoError(t, err)

	providers := cfg.ProviderList()
	require.Len(t, providers, 2)
	assert.Equal(t, []string{"A", "B"}, providers[0].Devices)
	assert.Equal(t, "http://other.test/c", providers[1].Endpoint)
	assert.Equal(t, path+"+"+EnvPortals, cfg.Source)
}

func TestLoad_envOnly(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"), `{"http://portal.test/c": ["A"]}`)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, EnvPortals, cfg.Source)
}

func TestLoad_invalidInputs(t *testing.T) {
	cases := map[string]struct {
		file string
		env  string
	}{
		"bad json":     {file: `{"providers": [`},
		"bad duration": {file: `{"sessionTTL": "soon", "portals": {"http://p.test/c": ["A"]}}`},
		"bad url":      {file: `{"portals": {"portal.test": ["A"]}}`},
		"bad env":      {file: `{}`, env: `["not", "a", "map"]`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "config.json", tc.file)
			_, err := Load(path, tc.env)
			var cfgErr *types.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestCreateExampleConfig_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.json")
	require.NoError(t, CreateExampleConfig(path))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Len(t, cfg.Providers[0].Devices, 2)
}
