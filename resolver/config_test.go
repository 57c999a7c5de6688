package resolver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Upstream.URL = "https://dns.example.net/dns-query"
	return cfg
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Timeout = ""
	cfg.Cache = CacheConfig{MaxTTL: 21600}
	cfg.Bootstrap.Servers = nil

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Server.parsedTimeout)
	assert.Equal(t, 100, cfg.Cache.Size)
	assert.Equal(t, 60, cfg.Cache.MinTTL)
	assert.Equal(t, defaultBootstrapServers, cfg.Bootstrap.Servers)
}

func TestValidateRequiresUpstreamURL(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.url")
}

func TestValidateRejectsPlainHTTP(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.URL = "http://dns.example.net/dns-query"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https")
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.Transport = "spdy"
	assert.Error(t, cfg.Validate())

	cfg.Upstream.Transport = "H3"
	assert.NoError(t, cfg.Validate(), "transport names are case-insensitive")
}

func TestValidateRejectsNegativeRetryRate(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.RetryRate = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedTTLBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.MinTTL = 300
	cfg.Cache.MaxTTL = 60
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_ttl")
}

func TestValidateRejectsBadDurations(t *testing.T) {
	for _, field := range []struct {
		name string
		set  func(*Config, string)
	}{
		{"server.timeout", func(c *Config, v string) { c.Server.Timeout = v }},
		{"upstream.http_timeout", func(c *Config, v string) { c.Upstream.HTTPTimeout = v }},
		{"bootstrap.dot_timeout", func(c *Config, v string) { c.Bootstrap.DoTTimeout = v }},
		{"bootstrap.os_timeout", func(c *Config, v string) { c.Bootstrap.OSTimeout = v }},
	} {
		t.Run(field.name, func(t *testing.T) {
			cfg := validConfig()
			field.set(&cfg, "not-a-duration")
			assert.Error(t, cfg.Validate())

			cfg = validConfig()
			field.set(&cfg, "-2s")
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateRequiresAListener(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ListenV4 = ""
	cfg.Server.ListenV6 = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_v4: "127.0.0.1:5353"
  timeout: "2s"
upstream:
  url: "https://dns.example.net/dns-query"
  transport: "h3"
  retry_rate: 20
cache:
  size: 50
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5353", cfg.Server.ListenV4)
	assert.Equal(t, "[::1]:53", cfg.Server.ListenV6, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.Server.parsedTimeout)
	assert.Equal(t, "h3", cfg.Upstream.Transport)
	assert.Equal(t, 20, cfg.Upstream.RetryRate)
	assert.Equal(t, 50, cfg.Cache.Size)
	assert.Equal(t, defaultBootstrapServers, cfg.Bootstrap.Servers)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
