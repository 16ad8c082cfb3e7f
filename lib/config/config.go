// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/tausestack/tausestack/lib/tenant"
)

// EnvVar names the environment variable [Load] reads.
const EnvVar = "TAUSESTACK_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Server transports.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config is the master configuration for a TauseStack node.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server     ServerConfig     `yaml:"server"`
	Tenant     TenantConfig     `yaml:"tenant"`
	Storage    StorageConfig    `yaml:"storage"`
	Federation FederationConfig `yaml:"federation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`

}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	// Name is reported to clients and peers.
	Name string `yaml:"name"`

	// Transport is stdio, websocket, or sse.
	Transport string `yaml:"transport"`

	// Listen is the TCP address for websocket and sse.
	Listen string `yaml:"listen"`

	// BasePath prefixes the MCP endpoints. The websocket endpoint is
	// BasePath itself; sse serves BasePath+"/sse" and BasePath+"/message".
	BasePath string `yaml:"base_path"`

	// PageSize bounds list results. Zero uses the server default.
	PageSize int `yaml:"page_size"`

	// MaxInFlight bounds concurrent requests per session. Zero uses
	// the server default.
	MaxInFlight int `yaml:"max_in_flight"`

	Instructions string `yaml:"instructions"`

	// Tools is a glob allow-list of tool names that sessions may see.
	// Empty exposes every tool.
	Tools []string `yaml:"tools"`

	// Tokens are the bearer credentials accepted on the websocket and
	// sse transports. Each one binds its sessions to a tenant.
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig grants one tenant access to the network transports.
type TokenConfig struct {
	// Token is the bearer secret, usually a ${VAR} reference.
	Token string `yaml:"token"`

	Tenant string `yaml:"tenant"`
}

// ToolAllowed reports whether name matches the Tools allow-list.
func (s ServerConfig) ToolAllowed(name string) bool {
	if len(s.Tools) == 0 {
		return true
	}
	for _, pattern := range s.Tools {
		if matched, _ := path.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// TenantConfig configures tenant resolution.
type TenantConfig struct {
	// Default is used when a request names no tenant, and for stdio.
	Default string `yaml:"default"`

	// Header carries the tenant id on HTTP transports.
	Header string `yaml:"header"`
}

// StorageConfig configures the memory store.
type StorageConfig struct {
	// Driver is memory or sqlite.
	Driver string `yaml:"driver"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// PoolSize is the sqlite connection count. Zero uses the pool
	// default.
	PoolSize int `yaml:"pool_size"`

	// Compression is zstd, lz4, or none.
	Compression string `yaml:"compression"`
}

// FederationConfig configures peer memory exchange.
type FederationConfig struct {
	Enabled bool `yaml:"enabled"`

	// SelfURL is this node's public URL: the issuer of tokens it mints
	// and the audience it accepts.
	SelfURL string `yaml:"self_url"`

	// SigningKey is a PKCS#8 PEM Ed25519 key file.
	SigningKey string `yaml:"signing_key"`

	// SharedSecret is the HS256 secret used with peers that do not set
	// their own.
	SharedSecret string `yaml:"shared_secret"`

	TokenTTL time.Duration `yaml:"token_ttl"`

	// Discovery fetches the public key of an allow-listed issuer that
	// has no configured key from its /info endpoint.
	Discovery    bool          `yaml:"discovery"`
	DiscoveryTTL time.Duration `yaml:"discovery_ttl"`

	Peers []PeerConfig `yaml:"peers"`

	// Allow lists the issuers whose tokens are accepted. Configured
	// peers are always allowed.
	Allow []string `yaml:"allow"`
}

// PeerConfig is one federation peer.
type PeerConfig struct {
	URL string `yaml:"url"`

	// PublicKey is the peer's Ed25519 key, base64url or PEM.
	PublicKey string `yaml:"public_key"`

	// SharedSecret switches tokens exchanged with this peer to HS256.
	SharedSecret string `yaml:"shared_secret"`
}

// MetricsConfig configures the Prometheus endpoint on HTTP transports.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is auto, text, or json. Auto picks text on a terminal.
	Format string `yaml:"format"`
}

// SlogLevel converts Level. Unknown values map to info; Validate
// rejects them.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the configuration the file is laid over.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Name:      "tausestack",
			Transport: TransportStdio,
			Listen:    "127.0.0.1:8765",
			BasePath:  "/mcp",
		},
		Tenant: TenantConfig{
			Default: string(tenant.Default),
			Header:  tenant.Header,
		},
		Storage: StorageConfig{
			Driver:      DriverMemory,
			Path:        filepath.Join(homeDir, ".local", "share", "tausestack", "memory.db"),
			Compression: "zstd",
		},
		Federation: FederationConfig{
			TokenTTL:     5 * time.Minute,
			DiscoveryTTL: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads configuration from the file named by TAUSESTACK_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your tausestack.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over [Default], applies the
// matching environment block, and expands variables. It does not
// validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or plain JSON) over [Default], applies the
// matching environment block, and expands variables.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	var document yaml.Node
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	// An empty file leaves document zero.
	if document.Kind != 0 {
		if err := document.Decode(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnvironmentOverrides(&document); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides decodes the top-level block named after
// the environment over c. Decoding into the populated struct replaces
// only the keys the block sets. The environment itself cannot be
// overridden.
func (c *Config) applyEnvironmentOverrides(document *yaml.Node) error {
	overrides := environmentBlock(document, c.Environment)
	c.applyProductionDefaults(overrides)
	if overrides == nil {
		return nil
	}
	if overrides.Kind != yaml.MappingNode {
		return fmt.Errorf("%s overrides: want a mapping, got %s", c.Environment, overrides.ShortTag())
	}
	environment := c.Environment
	if err := overrides.Decode(c); err != nil {
		return fmt.Errorf("%s overrides: %w", environment, err)
	}
	c.Environment = environment
	return nil
}

func (c *Config) applyProductionDefaults(overrides *yaml.Node) {
	if c.Environment == Production && overrides == nil && c.Logging.Format == "auto" {
		c.Logging.Format = "json"
	}
}

// environmentBlock returns the value of the top-level key named
// environment, or nil.
func environmentBlock(document *yaml.Node, environment Environment) *yaml.Node {
	root := document
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for index := 0; index+1 < len(root.Content); index += 2 {
		if root.Content[index].Value != string(environment) {
			continue
		}
		value := root.Content[index+1]
		if value.Kind == yaml.ScalarNode && value.ShortTag() == "!!null" {
			return nil
		}
		return value
	}
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Storage.Path = expandVars(c.Storage.Path, vars)
	for index := range c.Server.Tokens {
		c.Server.Tokens[index].Token = expandVars(c.Server.Tokens[index].Token, vars)
	}
	c.Federation.SigningKey = expandVars(c.Federation.SigningKey, vars)
	c.Federation.SharedSecret = expandVars(c.Federation.SharedSecret, vars)
	for index := range c.Federation.Peers {
		peer := &c.Federation.Peers[index]
		peer.PublicKey = expandVars(peer.PublicKey, vars)
		peer.SharedSecret = expandVars(peer.SharedSecret, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// MinSharedSecretLength is the shortest HS256 secret accepted.
const MinSharedSecretLength = 32

// MinBearerTokenLength is the shortest server.tokens entry accepted.
const MinBearerTokenLength = 32

// MaxTokenTTL bounds federation.token_ttl.
const MaxTokenTTL = time.Hour

// Validate checks the configuration and reports every problem.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Environment {
	case Development, Staging, Production:
	default:
		add("invalid environment: %q", c.Environment)
	}

	switch c.Server.Transport {
	case TransportStdio:
	case TransportWebSocket, TransportSSE:
		if c.Server.Listen == "" {
			add("server.listen is required for the %s transport", c.Server.Transport)
		}
		if len(c.Server.Tokens) == 0 {
			add("server.tokens must grant at least one tenant for the %s transport", c.Server.Transport)
		}
	default:
		add("server.transport must be one of: %v", []string{TransportStdio, TransportWebSocket, TransportSSE})
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		add("server.base_path must start with /")
	}
	if c.Server.PageSize < 0 {
		add("server.page_size must not be negative")
	}
	if c.Server.MaxInFlight < 0 {
		add("server.max_in_flight must not be negative")
	}
	for _, pattern := range c.Server.Tools {
		if _, err := path.Match(pattern, ""); err != nil {
			add("server.tools: bad pattern %q", pattern)
		}
	}
	seenTokens := make(map[string]bool, len(c.Server.Tokens))
	for index, token := range c.Server.Tokens {
		field := fmt.Sprintf("server.tokens[%d]", index)
		if len(token.Token) < MinBearerTokenLength {
			add("%s.token must be at least %d bytes", field, MinBearerTokenLength)
		}
		if err := tenant.Validate(tenant.ID(token.Tenant)); err != nil {
			add("%s.tenant: %v", field, err)
		}
		if seenTokens[token.Token] {
			add("%s.token repeats an earlier token", field)
		}
		seenTokens[token.Token] = true
	}

	if err := tenant.Validate(tenant.ID(c.Tenant.Default)); err != nil {
		add("tenant.default: %v", err)
	}
	if c.Tenant.Header == "" {
		add("tenant.header is required")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			add("storage.path is required for the sqlite driver")
		}
	default:
		add("storage.driver must be one of: %v", []string{DriverMemory, DriverSQLite})
	}
	if c.Storage.PoolSize < 0 {
		add("storage.pool_size must not be negative")
	}
	switch c.Storage.Compression {
	case "", "zstd", "lz4", "none":
	default:
		add("storage.compression must be one of: %v", []string{"zstd", "lz4", "none"})
	}

	if c.Federation.Enabled {
		errs = append(errs, c.Federation.validate(c.Environment)...)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level must be one of: %v", []string{"debug", "info", "warn", "error"})
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		add("logging.format must be one of: %v", []string{"auto", "text", "json"})
	}

	return errors.Join(errs...)
}

func (f FederationConfig) validate(environment Environment) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if f.SelfURL == "" {
		add("federation.self_url is required when federation is enabled")
	} else if err := checkPeerURL(f.SelfURL, environment); err != nil {
		add("federation.self_url: %v", err)
	}

	if f.TokenTTL <= 0 || f.TokenTTL > MaxTokenTTL {
		add("federation.token_ttl must be between 0 and %s", MaxTokenTTL)
	}
	if f.Discovery && f.DiscoveryTTL <= 0 {
		add("federation.discovery_ttl must be positive")
	}
	if f.SharedSecret != "" && len(f.SharedSecret) < MinSharedSecretLength {
		add("federation.shared_secret must be at least %d bytes", MinSharedSecretLength)
	}

	seen := make(map[string]bool, len(f.Peers))
	for index, peer := range f.Peers {
		field := fmt.Sprintf("federation.peers[%d]", index)
		if peer.URL == "" {
			add("%s.url is required", field)
			continue
		}
		if err := checkPeerURL(peer.URL, environment); err != nil {
			add("%s.url: %v", field, err)
		}
		key := strings.TrimRight(strings.ToLower(peer.URL), "/")
		if seen[key] {
			add("%s.url %s is listed twice", field, peer.URL)
		}
		seen[key] = true

		if peer.SharedSecret != "" && len(peer.SharedSecret) < MinSharedSecretLength {
			add("%s.shared_secret must be at least %d bytes", field, MinSharedSecretLength)
		}
		// Without a secret this node signs with its key, and without
		// any peer key material nothing it sends can be checked.
		secret := peer.SharedSecret != "" || f.SharedSecret != ""
		if !secret && f.SigningKey == "" {
			add("%s needs a shared_secret or federation.signing_key", field)
		}
		if !secret && peer.PublicKey == "" && !f.Discovery {
			add("%s needs a public_key, a shared_secret, or federation.discovery", field)
		}
	}

	for index, entry := range f.Allow {
		if strings.TrimSpace(entry) == "" {
			add("federation.allow[%d] is empty", index)
		}
	}
	return errs
}

func checkPeerURL(raw string, environment Environment) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if environment == Production {
			return fmt.Errorf("%s must use https in production", raw)
		}
	default:
		return fmt.Errorf("%s must be an http or https URL", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s has no host", raw)
	}
	return nil
}
