// Package config loads the bridge configuration from YAML with an
// environment overlay.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/walletbridge/internal/alert"
	"github.com/ppiankov/walletbridge/internal/origin"
	"github.com/ppiankov/walletbridge/internal/ratelimit"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "WALLETBRIDGE_"

// Provider is the EIP-6963 announcement shown to pages.
type Provider struct {
	Name string `yaml:"name" env:"NAME"`
	RDNS string `yaml:"rdns" env:"RDNS"`
	Icon string `yaml:"icon" env:"ICON"`
}

// Backend configures the development wallet backend.
type Backend struct {
	Listen      string        `yaml:"listen"       env:"LISTEN"`
	ChainID     string        `yaml:"chain_id"     env:"CHAIN_ID"`
	Accounts    []string      `yaml:"accounts"     env:"ACCOUNTS" envSeparator:","`
	AutoApprove bool          `yaml:"auto_approve" env:"AUTO_APPROVE"`
	ApprovalDir string        `yaml:"approval_dir" env:"APPROVAL_DIR"`
	ApprovalTTL time.Duration `yaml:"approval_ttl" env:"APPROVAL_TTL"`
}

// Config is the bridge configuration.
type Config struct {
	Listen         string          `yaml:"listen"          env:"LISTEN"`
	BackendAddr    string          `yaml:"backend_addr"    env:"BACKEND_ADDR"`
	AllowedOrigins []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AllowlistPath  string          `yaml:"allowlist_path"  env:"ALLOWLIST_PATH"`
	RequestTimeout time.Duration   `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	AuditLog       string          `yaml:"audit_log"       env:"AUDIT_LOG"`
	AgentOrigin    string          `yaml:"agent_origin"    env:"AGENT_ORIGIN"`
	RateLimit      ratelimit.Limit `yaml:"rate_limit"      envPrefix:"RATE_LIMIT_"`
	Provider       Provider        `yaml:"provider"        envPrefix:"PROVIDER_"`
	Backend        Backend         `yaml:"backend"         envPrefix:"BACKEND_"`
	Alerts         []alert.Config  `yaml:"alerts"`
}

// DefaultConfig returns the built-in configuration. No origin is allowed
// until one is configured.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:         "127.0.0.1:8546",
		BackendAddr:    "127.0.0.1:8547",
		RequestTimeout: 2 * time.Minute,
		RateLimit:      ratelimit.Limit{MaxRequests: 50, Window: time.Second},
		Provider: Provider{
			Name: "Wallet Bridge",
			RDNS: "org.walletbridge",
		},
		Backend: Backend{
			Listen:      "127.0.0.1:8547",
			ChainID:     "0x1",
			ApprovalTTL: 2 * time.Minute,
		},
	}
	if dir := Dir(); dir != "" {
		cfg.AuditLog = filepath.Join(dir, "audit.jsonl")
		cfg.Backend.ApprovalDir = filepath.Join(dir, "pending")
	}
	return cfg
}

// Dir is ~/.walletbridge, or "" when there is no home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".walletbridge")
}

// DefaultPath is ~/.walletbridge/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load is LoadWithHash without the hash.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads the configuration and returns the SHA-256 of the raw
// file. Empty path falls back to DefaultPath. A missing file yields
// defaults and the hash of empty input. The environment is applied last
// and wins over the file.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
		data = raw
	}

	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, Hash(data), nil
}

// ParseEnv overlays WALLETBRIDGE_* variables onto target. Unset variables
// leave fields untouched.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Hash returns "sha256:<hex>" of data.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen: required"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout: must be positive, got %s", c.RequestTimeout))
	}
	if c.Backend.ApprovalTTL <= 0 {
		errs = append(errs, fmt.Errorf("backend.approval_ttl: must be positive, got %s", c.Backend.ApprovalTTL))
	}
	if c.RateLimit.MaxRequests < 0 || c.RateLimit.Window < 0 {
		errs = append(errs, errors.New("rate_limit: max_requests and window must not be negative"))
	}
	if _, err := origin.NewAllowList(c.AllowedOrigins...); err != nil {
		errs = append(errs, fmt.Errorf("allowed_origins: %w", err))
	}
	if c.AgentOrigin != "" {
		if _, err := origin.Parse(c.AgentOrigin); err != nil {
			errs = append(errs, fmt.Errorf("agent_origin: %w", err))
		}
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("alerts[%d].url: required", i))
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			errs = append(errs, fmt.Errorf("alerts[%d].format: unknown format %q", i, a.Format))
		}
	}
	return errors.Join(errs...)
}

// AllowList builds the effective origin policy from allowed_origins and
// the allowlist file, and returns a hash of its normalized patterns.
// A missing allowlist file is an error: an operator who names one expects
// it to be used.
func (c *Config) AllowList() (*origin.AllowList, string, error) {
	patterns := append([]string(nil), c.AllowedOrigins...)
	if c.AllowlistPath != "" {
		fromFile, err := origin.LoadAllowList(c.AllowlistPath)
		if err != nil {
			return nil, "", err
		}
		patterns = append(patterns, fromFile.Patterns()...)
	}
	al, err := origin.NewAllowList(patterns...)
	if err != nil {
		return nil, "", fmt.Errorf("allowed origins: %w", err)
	}
	return al, Hash([]byte(strings.Join(al.Patterns(), "\n"))), nil
}
