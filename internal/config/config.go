// Package config provides configuration management for the AI Studio proxy
// gateway. It handles loading and parsing YAML configuration files and gives
// structured access to application settings: server port, launch mode,
// stream-proxy settings, timeouts, feature toggles, and API keys.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Launch modes for the browser session.
const (
	LaunchDebug             = "debug"
	LaunchHeadless          = "headless"
	LaunchVirtualHeadless   = "virtual_headless"
	LaunchDirectDebugNoBrow = "direct_debug_no_browser"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// APIKeys is a list of bearer tokens for authenticating clients to this
	// gateway. Empty list disables authentication.
	APIKeys []string `yaml:"api-keys"`

	// AuthExcludedPaths lists /v1 paths that never require authentication.
	AuthExcludedPaths []string `yaml:"auth-excluded-paths"`

	// Debug enables or disables debug-level logging and debug features.
	Debug bool `yaml:"debug"`

	// RequestLog enables detailed request/response logging to files.
	RequestLog bool `yaml:"request-log"`

	// LaunchMode selects how the browser session is started: debug,
	// headless, virtual_headless, or direct_debug_no_browser.
	LaunchMode string `yaml:"launch-mode"`

	// AuthStateFile is the path of the recorded browser auth state. Required
	// for every launch mode except debug.
	AuthStateFile string `yaml:"auth-state-file"`

	// StreamProxyPort is the listen port of the in-process MITM stream
	// proxy. 0 disables the proxy and forces DOM-scrape harvesting.
	StreamProxyPort int `yaml:"stream-proxy-port"`

	// UpstreamProxyURL optionally chains the stream proxy's upstream
	// connections through an external HTTP or SOCKS5 proxy.
	UpstreamProxyURL string `yaml:"upstream-proxy-url"`

	// InterceptDomains is the allow-list of hostnames whose tunnels the
	// stream proxy decrypts. Entries may carry a leading wildcard
	// ("*.clients6.google.com").
	InterceptDomains []string `yaml:"intercept-domains"`

	// CertDir is the directory holding the CA material and minted leaves.
	CertDir string `yaml:"cert-dir"`

	// CompletionTimeoutMS bounds how long one request may wait for the
	// provider to finish a response, in milliseconds.
	CompletionTimeoutMS int `yaml:"completion-timeout-ms"`

	// DefaultModel is the model id reported when the catalogue cannot be
	// parsed, and the sentinel clients may pass to mean "whatever the UI
	// currently has selected".
	DefaultModel string `yaml:"default-model"`

	// ExcludedModels lists catalogue model ids hidden from /v1/models.
	ExcludedModels []string `yaml:"excluded-models"`

	// EnableURLContext toggles the provider's URL-context feature.
	EnableURLContext bool `yaml:"enable-url-context"`

	// EnableSearch toggles the provider's search grounding feature.
	EnableSearch bool `yaml:"enable-search"`

	// UsageDBPath is the bbolt database file for usage counters.
	UsageDBPath string `yaml:"usage-db-path"`

	// LogDir is the directory request logs are written to.
	LogDir string `yaml:"log-dir"`
}

// CompletionTimeout returns the configured completion timeout as a Duration,
// falling back to 300s when unset.
func (c *Config) CompletionTimeout() time.Duration {
	if c.CompletionTimeoutMS <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.CompletionTimeoutMS) * time.Millisecond
}

// StreamProxyEnabled reports whether the MITM stream proxy should run.
func (c *Config) StreamProxyEnabled() bool {
	return c.StreamProxyPort > 0
}

// Validate checks settings that would otherwise only fail deep into startup.
func (c *Config) Validate() error {
	switch c.LaunchMode {
	case "", LaunchDebug, LaunchHeadless, LaunchVirtualHeadless, LaunchDirectDebugNoBrow:
	default:
		return fmt.Errorf("unknown launch mode %q", c.LaunchMode)
	}
	if c.LaunchMode == LaunchHeadless || c.LaunchMode == LaunchVirtualHeadless {
		if c.AuthStateFile == "" {
			return fmt.Errorf("auth-state-file is required for launch mode %q", c.LaunchMode)
		}
		if _, err := os.Stat(c.AuthStateFile); err != nil {
			return fmt.Errorf("auth-state-file %q not readable: %w", c.AuthStateFile, err)
		}
	}
	return nil
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults, and returns it.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be loaded
func LoadConfig(configFile string) (*Config, error) {
	// Read the entire configuration file into memory.
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal the YAML data into the Config struct.
	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Port == 0 {
		c.Port = 2048
	}
	if c.LaunchMode == "" {
		c.LaunchMode = LaunchHeadless
	}
	if c.CertDir == "" {
		c.CertDir = "certs"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "gemini-2.5-pro"
	}
	if c.UsageDBPath == "" {
		c.UsageDBPath = "usage.db"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if len(c.InterceptDomains) == 0 {
		c.InterceptDomains = []string{"*.clients6.google.com"}
	}
}
