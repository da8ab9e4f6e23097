// Package policy holds the enforcement configuration, compiles its
// bypass/deny/required-factor rules to a Cedar policy set, and drives the
// per-attempt authorization state machine.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TroyNeubauer/duo-enforcer/pkg/verdict"
)

// FailMode decides what happens when the upstream is unreachable or a
// pending challenge times out: deny (closed) or allow (open). Fail-open is
// an explicit per-resource trust decision, never a silent default.
type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

// UpstreamConfig identifies and authenticates this integration to the
// authentication provider.
type UpstreamConfig struct {
	IntegrationKey string        `yaml:"integration_key"`
	SecretKey      string        `yaml:"secret_key"`
	APIHost        string        `yaml:"api_host"`
	SkewWindow     time.Duration `yaml:"skew_window"`
}

// CacheConfig bounds the verdict cache.
type CacheConfig struct {
	AllowTTL   time.Duration `yaml:"allow_ttl"`
	DenyTTL    time.Duration `yaml:"deny_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// LockoutConfig holds the sliding-window lockout thresholds.
type LockoutConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Duration  time.Duration `yaml:"duration"`
}

// ChallengeConfig bounds asynchronous challenge resolution.
type ChallengeConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Rules lists the static bypass and deny sets. Entries are exact principal
// or resource identifiers.
type Rules struct {
	BypassPrincipals []string `yaml:"bypass_principals"`
	BypassResources  []string `yaml:"bypass_resources"`
	DenyPrincipals   []string `yaml:"deny_principals"`
	DenyResources    []string `yaml:"deny_resources"`

	// CedarFile optionally appends operator-authored Cedar policies to the
	// synthesized set.
	CedarFile string `yaml:"cedar_file"`
}

// ResourceConfig overrides per-resource behavior.
type ResourceConfig struct {
	// Factors restricts which factors may authenticate to this resource.
	// Empty means all factors are permitted.
	Factors []string `yaml:"factors"`

	// FailMode overrides the global fail mode for this resource.
	FailMode FailMode `yaml:"fail_mode"`
}

// Config is the process-lifetime enforcement configuration. It is read
// once at startup and never mutated.
type Config struct {
	Upstream  UpstreamConfig            `yaml:"upstream"`
	Listen    string                    `yaml:"listen"`
	StorePath string                    `yaml:"store_path"`
	Cache     CacheConfig               `yaml:"cache"`
	Lockout   LockoutConfig             `yaml:"lockout"`
	Challenge ChallengeConfig           `yaml:"challenge"`
	FailMode  FailMode                  `yaml:"fail_mode"`
	Rules     Rules                     `yaml:"policy"`
	Resources map[string]ResourceConfig `yaml:"resources"`
}

// DefaultStorePath returns the default lockout database path following the
// XDG spec.
func DefaultStorePath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "duo-enforcer", "duo-enforcer.db")
}

// DefaultConfig returns a configuration with safe defaults: fail-closed,
// short cache windows, five-failure lockout.
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			SkewWindow: 5 * time.Minute,
		},
		Listen:    "127.0.0.1:4550",
		StorePath: DefaultStorePath(),
		Cache: CacheConfig{
			AllowTTL:   30 * time.Second,
			DenyTTL:    5 * time.Second,
			MaxEntries: 10_000,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    time.Minute,
			Duration:  15 * time.Minute,
		},
		Challenge: ChallengeConfig{
			Timeout:      60 * time.Second,
			PollInterval: time.Second,
		},
		FailMode:  FailClosed,
		Resources: map[string]ResourceConfig{},
	}
}

// Load reads the YAML config at path over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment overrides. Credentials in particular are
// commonly injected through the environment rather than written to disk.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DUO_IKEY"); v != "" {
		c.Upstream.IntegrationKey = v
	}
	if v := os.Getenv("DUO_SKEY"); v != "" {
		c.Upstream.SecretKey = v
	}
	if v := os.Getenv("DUO_API_HOST"); v != "" {
		c.Upstream.APIHost = v
	}
	if v := os.Getenv("DUO_ENFORCER_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("DUO_ENFORCER_STORE"); v != "" {
		c.StorePath = v
	}
}

// Validate checks the configuration. Any failure here is fatal at startup:
// the process refuses to enforce rather than run with a policy it cannot
// trust.
func (c *Config) Validate() error {
	if c.Upstream.IntegrationKey == "" {
		return fmt.Errorf("upstream.integration_key is required")
	}
	if c.Upstream.SecretKey == "" {
		return fmt.Errorf("upstream.secret_key is required")
	}
	if c.Upstream.APIHost == "" {
		return fmt.Errorf("upstream.api_host is required")
	}
	if c.Upstream.SkewWindow <= 0 {
		return fmt.Errorf("upstream.skew_window must be positive")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Lockout.Threshold <= 0 {
		return fmt.Errorf("lockout.threshold must be positive")
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		return fmt.Errorf("lockout.window and lockout.duration must be positive")
	}
	if c.Challenge.Timeout <= 0 || c.Challenge.PollInterval <= 0 {
		return fmt.Errorf("challenge.timeout and challenge.poll_interval must be positive")
	}
	if c.Challenge.PollInterval > c.Challenge.Timeout {
		return fmt.Errorf("challenge.poll_interval exceeds challenge.timeout")
	}
	if err := validFailMode(c.FailMode); err != nil {
		return err
	}

	for _, set := range [][]string{
		c.Rules.BypassPrincipals, c.Rules.BypassResources,
		c.Rules.DenyPrincipals, c.Rules.DenyResources,
	} {
		for _, name := range set {
			if err := validIdentifier(name); err != nil {
				return fmt.Errorf("policy rule entry %q: %w", name, err)
			}
		}
	}

	for name, rc := range c.Resources {
		if err := validIdentifier(name); err != nil {
			return fmt.Errorf("resource %q: %w", name, err)
		}
		if rc.FailMode != "" {
			if err := validFailMode(rc.FailMode); err != nil {
				return fmt.Errorf("resource %q: %w", name, err)
			}
		}
		for _, f := range rc.Factors {
			if _, err := verdict.ParseFactor(f); err != nil {
				return fmt.Errorf("resource %q: %w", name, err)
			}
		}
	}
	return nil
}

// FailModeFor returns the effective fail mode for a resource.
func (c *Config) FailModeFor(resource string) FailMode {
	if rc, ok := c.Resources[resource]; ok && rc.FailMode != "" {
		return rc.FailMode
	}
	return c.FailMode
}

func validFailMode(m FailMode) error {
	switch m {
	case FailOpen, FailClosed:
		return nil
	default:
		return fmt.Errorf("fail_mode must be %q or %q, got %q", FailOpen, FailClosed, m)
	}
}

// validIdentifier rejects names that cannot be embedded safely in
// synthesized Cedar policy text or cache keys.
func validIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	}
	if strings.ContainsAny(name, "\"\\\x00\n") {
		return fmt.Errorf("identifier contains a quote, backslash, NUL, or newline")
	}
	return nil
}
