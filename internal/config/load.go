package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/icloud-go/internal/auth"
	"github.com/tonimelisma/icloud-go/internal/cloud"
)

// Resolved is the effective configuration after the override chain, with
// durations parsed and the operation catalog merged.
type Resolved struct {
	ConfigPath string

	AppleID               string
	ChinaMainland         bool
	SavePassword          bool
	MaxCredentialAttempts int
	MaxCodeAttempts       int

	RetryPolicy string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	RetryCount  int

	Timeout   time.Duration
	UserAgent string

	LogLevel  string
	LogFormat string

	Operations []cloud.Operation
}

// Endpoints returns the service hosts for the resolved region.
func (r *Resolved) Endpoints() auth.Endpoints {
	return auth.DefaultEndpoints(r.ChinaMainland)
}

// SessionPath returns the session file path for the resolved account.
func (r *Resolved) SessionPath() string {
	return SessionPath(r.AppleID)
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ResolveConfigPath picks the config file path: CLI > env > default.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := ResolveConfigPath(env, cli)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.AppleID != "" {
		cfg.Account.AppleID = env.AppleID
	}

	if env.ChinaMainland != "" {
		v, parseErr := strconv.ParseBool(env.ChinaMainland)
		if parseErr != nil {
			return nil, fmt.Errorf("%s: invalid boolean %q", EnvChinaMainland, env.ChinaMainland)
		}

		cfg.Account.ChinaMainland = v
	}

	if cli.AppleID != nil {
		cfg.Account.AppleID = *cli.AppleID
	}

	if cli.ChinaMainland != nil {
		cfg.Account.ChinaMainland = *cli.ChinaMainland
	}

	return resolve(cfg, cfgPath)
}

// resolve converts a validated Config into a Resolved.
func resolve(cfg *Config, cfgPath string) (*Resolved, error) {
	// Load already validated file values; durations cannot fail here.
	base, _ := time.ParseDuration(cfg.Retry.BaseDelay)
	maxDelay, _ := time.ParseDuration(cfg.Retry.MaxDelay)
	timeout, _ := time.ParseDuration(cfg.Network.Timeout)

	setup := auth.DefaultEndpoints(cfg.Account.ChinaMainland).Setup

	ops, err := mergeOperations(builtinOperations(setup, cfg.Retry.RetryCount), cfg.Operations, cfg.Retry.RetryCount)
	if err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &Resolved{
		ConfigPath:            cfgPath,
		AppleID:               cfg.Account.AppleID,
		ChinaMainland:         cfg.Account.ChinaMainland,
		SavePassword:          cfg.Account.SavePassword,
		MaxCredentialAttempts: cfg.Account.MaxCredentialAttempts,
		MaxCodeAttempts:       cfg.Account.MaxCodeAttempts,
		RetryPolicy:           cfg.Retry.Policy,
		BaseDelay:             base,
		MaxDelay:              maxDelay,
		RetryCount:            cfg.Retry.RetryCount,
		Timeout:               timeout,
		UserAgent:             cfg.Network.UserAgent,
		LogLevel:              cfg.Logging.LogLevel,
		LogFormat:             cfg.Logging.LogFormat,
		Operations:            ops,
	}, nil
}
