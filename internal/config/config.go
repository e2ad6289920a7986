// ABOUTME: Configuration loading and parsing for perch-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthMode selects which trust model the gateway applies to inbound
// requests that are not covered by a more specific rule.
type AuthMode string

const (
	// AuthModeNone disables credential checks entirely.
	AuthModeNone AuthMode = "none"
	// AuthModeToken requires the configured bearer token.
	AuthModeToken AuthMode = "token"
	// AuthModePassword requires the configured password presented as a bearer credential.
	AuthModePassword AuthMode = "password"
	// AuthModeTrustedProxy authorizes only requests arriving from the trusted proxy list.
	AuthModeTrustedProxy AuthMode = "trusted-proxy"
)

// Config represents the complete perch-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Hooks      []HookConfig     `yaml:"hooks"`
	ChatRelays []RelayConfig    `yaml:"chat_relays"`
	Completion CompletionConfig `yaml:"completion"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Canvas     CanvasConfig     `yaml:"canvas"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve TLS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
	// Trusted grants implicit authorization to peers reaching the gateway
	// over the tailnet: tailnet membership is itself the credential.
	Trusted bool `yaml:"trusted"`
}

// AuthConfig holds the trust configuration consumed by the auth resolver.
// Mode selects the primary trust model; Token and Password are bearer
// equivalents (a caller may satisfy either). PasswordHash, when set, is a
// bcrypt hash checked instead of the plaintext password.
type AuthConfig struct {
	Mode           AuthMode `yaml:"mode"`
	Token          string   `yaml:"token"`
	Password       string   `yaml:"password"`
	PasswordHash   string   `yaml:"password_hash"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustedPrefixes parses the trusted proxy list into network prefixes.
// Bare addresses become single-address prefixes. Entries that fail to
// parse are skipped; Validate rejects them at load time.
func (a AuthConfig) TrustedPrefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(a.TrustedProxies))
	for _, raw := range a.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return prefixes
}

// RateLimitConfig controls the failed-authentication limiter.
type RateLimitConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Window      time.Duration `yaml:"-"`
	WindowRaw   string        `yaml:"window"`
}

// HookConfig describes one inbound hook endpoint under /hooks/{name}.
type HookConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// RelayConfig describes one chat-platform webhook relay under /webhooks/{platform}.
type RelayConfig struct {
	Platform string `yaml:"platform"`
	Secret   string `yaml:"secret"`
}

// CompletionConfig holds the two model-completion proxy endpoints.
// Each variant is independently feature-flagged.
type CompletionConfig struct {
	OpenAI    CompletionUpstream `yaml:"openai"`
	Anthropic CompletionUpstream `yaml:"anthropic"`
}

// CompletionUpstream is one proxied completion backend.
type CompletionUpstream struct {
	Enabled  bool   `yaml:"enabled"`
	Upstream string `yaml:"upstream"`
}

// DashboardConfig holds control dashboard configuration.
type DashboardConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"-"`
	SessionTTLRaw string        `yaml:"session_ttl"`
}

// CanvasConfig holds canvas host configuration.
type CanvasConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes, expanding env vars and durations.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero values that have sensible defaults.
func (c *Config) applyDefaults() {
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeNone
	}
	if c.RateLimit.MaxFailures == 0 {
		c.RateLimit.MaxFailures = 5
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Dashboard.SessionTTL == 0 {
		c.Dashboard.SessionTTL = 12 * time.Hour
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Auth.Mode {
	case AuthModeNone, AuthModeTrustedProxy:
	case AuthModeToken:
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.token is required when auth.mode is %q", AuthModeToken)
		}
	case AuthModePassword:
		if c.Auth.Password == "" && c.Auth.PasswordHash == "" {
			return fmt.Errorf("auth.password or auth.password_hash is required when auth.mode is %q", AuthModePassword)
		}
	default:
		return fmt.Errorf("auth.mode %q is not one of none, token, password, trusted-proxy", c.Auth.Mode)
	}

	for _, raw := range c.Auth.TrustedProxies {
		if _, err := netip.ParsePrefix(raw); err != nil {
			if _, err := netip.ParseAddr(raw); err != nil {
				return fmt.Errorf("auth.trusted_proxies entry %q is not an IP or CIDR prefix", raw)
			}
		}
	}

	for _, h := range c.Hooks {
		if h.Name == "" {
			return fmt.Errorf("hooks entries require a name")
		}
		if h.Token == "" {
			return fmt.Errorf("hook %q requires a token", h.Name)
		}
	}

	for _, rl := range c.ChatRelays {
		if rl.Platform == "" {
			return fmt.Errorf("chat_relays entries require a platform")
		}
	}

	if c.Completion.OpenAI.Enabled && c.Completion.OpenAI.Upstream == "" {
		return fmt.Errorf("completion.openai.upstream is required when enabled")
	}
	if c.Completion.Anthropic.Enabled && c.Completion.Anthropic.Upstream == "" {
		return fmt.Errorf("completion.anthropic.upstream is required when enabled")
	}

	if c.Dashboard.Enabled && c.Dashboard.SessionSecret == "" {
		return fmt.Errorf("dashboard.session_secret is required when the dashboard is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_limit.window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	if cfg.Dashboard.SessionTTLRaw != "" {
		cfg.Dashboard.SessionTTL, err = time.ParseDuration(cfg.Dashboard.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dashboard.session_ttl %q: %w", cfg.Dashboard.SessionTTLRaw, err)
		}
	}

	return nil
}
