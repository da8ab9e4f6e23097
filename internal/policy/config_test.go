package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Upstream.IntegrationKey = "DIXXXXXXXXXXXXXXXXXX"
	cfg.Upstream.SecretKey = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	cfg.Upstream.APIHost = "api-test.example.com"
	return cfg
}

func TestLoadDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
upstream:
  integration_key: DIXXXXXXXXXXXXXXXXXX
  secret_key: deadbeefdeadbeefdeadbeefdeadbeefdeadbeef
  api_host: api-test.example.com
fail_mode: closed
lockout:
  threshold: 3
policy:
  bypass_principals: [svc-backup]
  deny_resources: [prod-db]
resources:
  vault:
    factors: [push, passcode]
    fail_mode: open
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// File values override defaults; untouched defaults survive.
	assert.Equal(t, 3, cfg.Lockout.Threshold)
	assert.Equal(t, time.Minute, cfg.Lockout.Window)
	assert.Equal(t, []string{"svc-backup"}, cfg.Rules.BypassPrincipals)
	assert.Equal(t, []string{"prod-db"}, cfg.Rules.DenyResources)
	assert.Equal(t, FailOpen, cfg.FailModeFor("vault"))
	assert.Equal(t, FailClosed, cfg.FailModeFor("anything-else"))
	assert.Equal(t, 30*time.Second, cfg.Cache.AllowTTL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DUO_IKEY", "DIENVENVENVENVENVENV")
	t.Setenv("DUO_SKEY", "envsecret")
	t.Setenv("DUO_API_HOST", "api-env.example.com")
	t.Setenv("DUO_ENFORCER_LISTEN", "127.0.0.1:9999")

	cfg := validConfig()
	cfg.LoadFromEnv()

	assert.Equal(t, "DIENVENVENVENVENVENV", cfg.Upstream.IntegrationKey)
	assert.Equal(t, "envsecret", cfg.Upstream.SecretKey)
	assert.Equal(t, "api-env.example.com", cfg.Upstream.APIHost)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing integration key", func(c *Config) { c.Upstream.IntegrationKey = "" }, "integration_key"},
		{"missing secret key", func(c *Config) { c.Upstream.SecretKey = "" }, "secret_key"},
		{"missing api host", func(c *Config) { c.Upstream.APIHost = "" }, "api_host"},
		{"zero lockout threshold", func(c *Config) { c.Lockout.Threshold = 0 }, "threshold"},
		{"negative lockout window", func(c *Config) { c.Lockout.Window = -time.Second }, "window"},
		{"poll slower than timeout", func(c *Config) {
			c.Challenge.PollInterval = 2 * time.Minute
		}, "poll_interval"},
		{"bad fail mode", func(c *Config) { c.FailMode = "maybe" }, "fail_mode"},
		{"bad resource fail mode", func(c *Config) {
			c.Resources = map[string]ResourceConfig{"x": {FailMode: "ajar"}}
		}, "fail_mode"},
		{"unknown factor", func(c *Config) {
			c.Resources = map[string]ResourceConfig{"x": {Factors: []string{"carrier-pigeon"}}}
		}, "factor"},
		{"rule entry with quote", func(c *Config) {
			c.Rules.DenyPrincipals = []string{`mal"ory`}
		}, "policy rule"},
		{"rule entry with newline", func(c *Config) {
			c.Rules.BypassResources = []string{"a\nb"}
		}, "policy rule"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestCredentialsNeverDefaultAllow(t *testing.T) {
	t.Parallel()
	// A config without upstream credentials must fail validation outright;
	// there is no mode where enforcement silently passes everyone.
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())
}
