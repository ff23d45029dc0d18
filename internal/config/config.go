// Package config loads the resync YAML configuration. ${VAR} references
// are expanded from the environment, the document is checked against an
// embedded CUE schema and duration strings are parsed.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/resync/internal/auth"
	"github.com/roach88/resync/internal/recovery"
	"github.com/roach88/resync/internal/replicator"
)

//go:embed schema.cue
var schemaSource string

// Defaults.
const (
	DefaultDataDir      = ".resync"
	DefaultScope        = "P"
	DefaultReopenDelay  = time.Second
	DefaultDeleteDelay  = time.Second
	DefaultSyncInterval = 500 * time.Millisecond
)

// Config is the full configuration.
type Config struct {
	DataDir     string           `yaml:"data_dir"`
	ServerDir   string           `yaml:"server_dir"`
	Scope       string           `yaml:"scope"`
	Credentials auth.Credentials `yaml:"credentials"`
	Auth        AuthConfig       `yaml:"auth"`
	Recovery    RecoveryConfig   `yaml:"recovery"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
}

// AuthConfig configures the local identity provider.
type AuthConfig struct {
	JWTSecret      string            `yaml:"jwt_secret"`
	Users          []UserConfig      `yaml:"users"`
	APIKeys        map[string]string `yaml:"api_keys"` // key -> subject
	AllowAnonymous bool              `yaml:"allow_anonymous"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// UserConfig is a password user with a bcrypt hash.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// RecoveryConfig tunes the recovery sequence.
type RecoveryConfig struct {
	MergePolicy string `yaml:"merge_policy"`
	// Mode is the client reset mode: manual (back up and replay) or
	// discard-local.
	Mode string `yaml:"mode"`

	ReopenDelay  time.Duration `yaml:"-"`
	DeleteDelay  time.Duration `yaml:"-"`
	SyncInterval time.Duration `yaml:"-"`

	ReopenDelayRaw  string `yaml:"reopen_delay"`
	DeleteDelayRaw  string `yaml:"delete_delay"`
	SyncIntervalRaw string `yaml:"sync_interval"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used without a config file.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Scope:   DefaultScope,
		Auth: AuthConfig{
			AllowAnonymous: true,
			TokenTTL:       auth.DefaultTokenTTL,
		},
		Recovery: RecoveryConfig{
			MergePolicy:  string(replicator.DefaultPolicy),
			Mode:         string(recovery.ModeManual),
			ReopenDelay:  DefaultReopenDelay,
			DeleteDelay:  DefaultDeleteDelay,
			SyncInterval: DefaultSyncInterval,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, expands environment variables, validates it against
// the schema and applies it over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	if err := ValidateSchema(expanded); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ValidateSchema checks a YAML document against the embedded CUE schema.
func ValidateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config does not match schema: %s", cueerrors.Details(err, nil))
	}
	return nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := replicator.ParsePolicy(c.Recovery.MergePolicy); err != nil {
		return fmt.Errorf("recovery.merge_policy: %w", err)
	}
	if _, err := recovery.ParseMode(c.Recovery.Mode); err != nil {
		return fmt.Errorf("recovery.mode: %w", err)
	}
	if len(c.Auth.Users) > 0 || len(c.Auth.APIKeys) > 0 || c.Credentials.JWT != "" {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when users, api keys or jwt credentials are configured")
		}
	}
	return nil
}

// ReplicaDir is where replica files live.
func (c *Config) ReplicaDir() string {
	return filepath.Join(c.DataDir, "replicas")
}

// ServerPath is where the simulated sync service keeps its data.
func (c *Config) ServerPath() string {
	if c.ServerDir != "" {
		return c.ServerDir
	}
	return filepath.Join(c.DataDir, "server")
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or the empty
// string if it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"recovery.reopen_delay", cfg.Recovery.ReopenDelayRaw, &cfg.Recovery.ReopenDelay},
		{"recovery.delete_delay", cfg.Recovery.DeleteDelayRaw, &cfg.Recovery.DeleteDelay},
		{"recovery.sync_interval", cfg.Recovery.SyncIntervalRaw, &cfg.Recovery.SyncInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
