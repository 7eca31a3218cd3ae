// Package config provides configuration loading for frameecho using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the FRAMEECHO_ prefix and underscore-separated keys:
//   - FRAMEECHO_SERVER_PORT -> server.port
//   - FRAMEECHO_SERVER_WORKERS -> server.workers
//   - FRAMEECHO_RATE_LIMIT_IP_CPS -> rate_limit.ip_cps
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how the pool driver's worker count is determined.
type WorkersMode int

const (
	// WorkersAuto sizes the pool to GOMAXPROCS.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses a specific worker count.
	WorkersFixed
)

// WorkerSetting represents the pool-variant worker count configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the string representation of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// ServerConfig contains the listening server's settings, shared by all five driver variants.
type ServerConfig struct {
	Host       string        `yaml:"host"        mapstructure:"host"`
	Port       int           `yaml:"port"        mapstructure:"port"`
	Workers    WorkerSetting `yaml:"-"           mapstructure:"-"`
	WorkersRaw string        `yaml:"workers"     mapstructure:"workers"`     // pool variant: "auto" or an integer
	MaxFDs     int           `yaml:"max_fds"     mapstructure:"max_fds"`     // readiness variants: PeerTable bound
	SendBufCap int           `yaml:"sendbuf_cap" mapstructure:"sendbuf_cap"` // all variants: per-peer outbound stage
	ReusePort  bool          `yaml:"reuse_port"  mapstructure:"reuse_port"`  // pool variant: SO_REUSEPORT across listeners
	Backlog    int           `yaml:"backlog"     mapstructure:"backlog"`
	DestroyTimeoutMS int     `yaml:"destroy_timeout_ms" mapstructure:"destroy_timeout_ms"` // pool variant: worker shutdown grace period
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// RateLimitConfig controls per-connection admission control for the readiness-loop
// variants. Unlike a query-rate limiter, the unit being limited here is an accepted
// TCP connection, not an application-level request.
type RateLimitConfig struct {
	// CleanupSeconds is how often stale tracking entries are cleaned up (default: 60)
	CleanupSeconds float64 `yaml:"cleanup_seconds"    mapstructure:"cleanup_seconds"    json:"cleanup_seconds"`
	// MaxIPEntries is the maximum number of tracked source IPs (default: 65536)
	MaxIPEntries int `yaml:"max_ip_entries"     mapstructure:"max_ip_entries"     json:"max_ip_entries"`
	// MaxPrefixEntries is the maximum number of tracked network prefixes (default: 16384)
	MaxPrefixEntries int `yaml:"max_prefix_entries" mapstructure:"max_prefix_entries" json:"max_prefix_entries"`
	// GlobalCPS is the server-wide connections-per-second limit (0 = disabled)
	GlobalCPS float64 `yaml:"global_cps"         mapstructure:"global_cps"         json:"global_cps"`
	// GlobalBurst is the global burst size
	GlobalBurst int `yaml:"global_burst"       mapstructure:"global_burst"       json:"global_burst"`
	// PrefixCPS is the per-network-prefix (/24 IPv4, /64 IPv6) connections-per-second limit (0 = disabled)
	PrefixCPS float64 `yaml:"prefix_cps"         mapstructure:"prefix_cps"         json:"prefix_cps"`
	// PrefixBurst is the per-prefix burst size
	PrefixBurst int `yaml:"prefix_burst"       mapstructure:"prefix_burst"       json:"prefix_burst"`
	// IPCPS is the per-source-IP connections-per-second limit (0 = disabled)
	IPCPS float64 `yaml:"ip_cps"             mapstructure:"ip_cps"             json:"ip_cps"`
	// IPBurst is the per-IP burst size
	IPBurst int `yaml:"ip_burst"           mapstructure:"ip_burst"           json:"ip_burst"`
}

// APIConfig contains the optional operator status API settings.
//
// Note: APIKey is intentionally treated as a secret and should not be returned by API endpoints.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// Config is the root configuration structure shared by all five driver shells.
type Config struct {
	Server    ServerConfig    `yaml:"server"     mapstructure:"server"`
	Logging   LoggingConfig   `yaml:"logging"    mapstructure:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	API       APIConfig       `yaml:"api"        mapstructure:"api"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("FRAMEECHO_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable overrides.
// This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (FRAMEECHO_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
