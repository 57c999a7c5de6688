/*
File: config.go
Version: 1.2.0
Description: Defines configuration structures for the embedded resolver and handles
             YAML parsing, defaulting and validation.
*/

package resolver

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// --- Configuration Structures ---

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Cache     CacheConfig     `yaml:"cache"`
	ACL       ACLConfig       `yaml:"acl"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	// ListenV4/ListenV6 are host:port UDP listen addresses. The host side
	// is expected to be a loopback or tunnel-local address; either one may
	// be empty to disable that family.
	ListenV4 string `yaml:"listen_v4"`
	ListenV6 string `yaml:"listen_v6"`

	// Timeout bounds a single inbound query end to end, including the
	// retry loop. The OS resolver gives up at roughly this point anyway.
	Timeout string `yaml:"timeout"`

	parsedTimeout time.Duration
}

type UpstreamConfig struct {
	// URL is the DoH endpoint, e.g. "https://dns.example.net/dns-query".
	URL string `yaml:"url"`

	// Transport selects the upstream HTTP version: "h2" (default) or "h3".
	Transport string `yaml:"transport"`

	// RetryRate paces the failure retry loop in retries per second.
	// 0 keeps the tight unpaced loop, which recovers fastest from short
	// connectivity blips (Wi-Fi association, cell handover).
	RetryRate int `yaml:"retry_rate"`

	// HTTPTimeout caps a single HTTP exchange independent of the query
	// context. Slightly above the query timeout so the context always
	// fires first.
	HTTPTimeout string `yaml:"http_timeout"`

	parsedHTTPTimeout time.Duration
}

type BootstrapConfig struct {
	// Servers are IP literals queried over DNS-over-TLS (port 853) to
	// resolve the DoH hostname itself. Tried in order; mixed families.
	Servers []string `yaml:"servers"`

	// DoTTimeout bounds the initial secure lookup attempt.
	DoTTimeout string `yaml:"dot_timeout"`

	// OSTimeout bounds the OS-resolver fallback.
	OSTimeout string `yaml:"os_timeout"`

	parsedDoTTimeout time.Duration
	parsedOSTimeout  time.Duration
}

type CacheConfig struct {
	Size   int `yaml:"size"`    // LRU entry bound
	MinTTL int `yaml:"min_ttl"` // seconds, floor for effective TTLs
	MaxTTL int `yaml:"max_ttl"` // seconds, ceiling for effective TTLs
}

type ACLConfig struct {
	// AllowedNetworks restricts inbound queries to these CIDR ranges.
	// Packets from other sources are dropped without a reply.
	// Empty means allow all (the listen addresses gate access instead).
	AllowedNetworks []string `yaml:"allowed_networks"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text (default) or json
	File   string `yaml:"file"`   // optional log file path; empty = stderr
}

// --- Defaults ---

// Public resolvers used to find the DoH server's own address when the
// configured bootstrap path and the OS resolver both fail. Order matters:
// it is the dial order of last resort.
var defaultBootstrapServers = []string{
	"2606:4700:4700::1111",
	"1.1.1.1",
	"2620:fe::fe",
	"9.9.9.9",
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenV4: "127.0.0.1:53",
			ListenV6: "[::1]:53",
			Timeout:  "5s",
		},
		Upstream: UpstreamConfig{
			Transport:   "h2",
			HTTPTimeout: "6s",
		},
		Bootstrap: BootstrapConfig{
			Servers:    append([]string(nil), defaultBootstrapServers...),
			DoTTimeout: "1s",
			OSTimeout:  "5s",
		},
		Cache: CacheConfig{
			Size:   100,
			MinTTL: 60,
			MaxTTL: 21600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills parsed duration fields and rejects inconsistent settings.
// New calls this; callers building a Config in code may call it early to
// surface errors before the server is constructed.
func (c *Config) Validate() error {
	var err error

	if c.Server.parsedTimeout, err = parseDurationDefault(c.Server.Timeout, 5*time.Second); err != nil {
		return fmt.Errorf("server.timeout: %w", err)
	}
	if c.Upstream.parsedHTTPTimeout, err = parseDurationDefault(c.Upstream.HTTPTimeout, 6*time.Second); err != nil {
		return fmt.Errorf("upstream.http_timeout: %w", err)
	}
	if c.Bootstrap.parsedDoTTimeout, err = parseDurationDefault(c.Bootstrap.DoTTimeout, time.Second); err != nil {
		return fmt.Errorf("bootstrap.dot_timeout: %w", err)
	}
	if c.Bootstrap.parsedOSTimeout, err = parseDurationDefault(c.Bootstrap.OSTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("bootstrap.os_timeout: %w", err)
	}

	if c.Server.ListenV4 == "" && c.Server.ListenV6 == "" {
		return fmt.Errorf("at least one of server.listen_v4 and server.listen_v6 is required")
	}

	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.url: scheme must be https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("upstream.url: missing host")
	}

	switch strings.ToLower(c.Upstream.Transport) {
	case "", "h2", "h3":
	default:
		return fmt.Errorf("upstream.transport: must be h2 or h3, got %q", c.Upstream.Transport)
	}
	if c.Upstream.RetryRate < 0 {
		return fmt.Errorf("upstream.retry_rate: must be >= 0")
	}

	if c.Cache.Size <= 0 {
		c.Cache.Size = 100
	}
	if c.Cache.MinTTL <= 0 {
		c.Cache.MinTTL = 60
	}
	if c.Cache.MaxTTL < c.Cache.MinTTL {
		return fmt.Errorf("cache.max_ttl (%d) must be >= cache.min_ttl (%d)", c.Cache.MaxTTL, c.Cache.MinTTL)
	}

	if len(c.Bootstrap.Servers) == 0 {
		c.Bootstrap.Servers = append([]string(nil), defaultBootstrapServers...)
	}

	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}
