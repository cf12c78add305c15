// Package config provides configuration management for the overlay
// daemon: node identity, transport, and socket-sizing knobs, loaded from
// a YAML file with defaults filled in.
package config

import (
	"fmt"
	"time"
)

// InRouteConfig describes one listening transport this node accepts
// inbound link connections on.
type InRouteConfig struct {
	Listen string `yaml:"listen"` // host:port to listen on
	Secret string `yaml:"secret"` // passphrase the per-route transport cookie is derived from
}

// HavenConfig describes one server-side haven this node runs.
type HavenConfig struct {
	Label           string `yaml:"label"`            // anon-identity cache label this haven binds under
	RendezvousPoint string `yaml:"rendezvous_point"` // hex fingerprint of the chosen relay
	ListenDock      uint32 `yaml:"listen_dock"`
}

// Config is the complete on-disk configuration for one overlay node.
type Config struct {
	IdentityKeyPath string `yaml:"identity_key_path"`
	Relay           bool   `yaml:"relay"` // true if this node accepts inbound link connections

	InRoutes          map[string]InRouteConfig `yaml:"in_routes"`
	ControlListenAddr string                   `yaml:"control_listen_addr"`

	DHTBootstrap []string `yaml:"dht_bootstrap"`

	AnonCacheCapacity int           `yaml:"anon_cache_capacity"`
	AnonCacheIdleTTL  time.Duration `yaml:"anon_cache_idle_ttl"`

	ReplyBlockCapacity          int `yaml:"reply_block_capacity"`
	ReplyBlockPerFingerprintCap int `yaml:"reply_block_per_fingerprint_cap"`

	Havens []HavenConfig `yaml:"havens"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a configuration with sensible defaults for a
// client-mode node (no in-routes, so it accepts no inbound connections).
func DefaultConfig() *Config {
	return &Config{
		IdentityKeyPath:             "./overlayd.identity",
		Relay:                       false,
		InRoutes:                    map[string]InRouteConfig{},
		ControlListenAddr:           "127.0.0.1:18964",
		DHTBootstrap:                []string{},
		AnonCacheCapacity:           100_000,
		AnonCacheIdleTTL:            time.Hour,
		ReplyBlockCapacity:          1000,
		ReplyBlockPerFingerprintCap: 1000,
		Havens:                      []HavenConfig{},
		LogLevel:                    "info",
	}
}

// Validate checks the configuration for internally-consistent shape. It
// asserts nothing about the network the daemon will actually join.
func (c *Config) Validate() error {
	if c.IdentityKeyPath == "" {
		return fmt.Errorf("config: identity_key_path is required")
	}
	if c.Relay && len(c.InRoutes) == 0 {
		return fmt.Errorf("config: relay mode requires at least one in_route")
	}
	for name, route := range c.InRoutes {
		if route.Listen == "" {
			return fmt.Errorf("config: in_route %q: listen is required", name)
		}
		if route.Secret == "" {
			return fmt.Errorf("config: in_route %q: secret is required", name)
		}
	}
	if c.AnonCacheCapacity < 1 {
		return fmt.Errorf("config: anon_cache_capacity must be at least 1")
	}
	if c.AnonCacheIdleTTL <= 0 {
		return fmt.Errorf("config: anon_cache_idle_ttl must be positive")
	}
	if c.ReplyBlockCapacity < 1 {
		return fmt.Errorf("config: reply_block_capacity must be at least 1")
	}
	if c.ReplyBlockPerFingerprintCap < 1 {
		return fmt.Errorf("config: reply_block_per_fingerprint_cap must be at least 1")
	}
	for i, h := range c.Havens {
		if h.Label == "" {
			return fmt.Errorf("config: haven %d: label is required", i)
		}
		if h.RendezvousPoint == "" {
			return fmt.Errorf("config: haven %d: rendezvous_point is required", i)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return nil
}
