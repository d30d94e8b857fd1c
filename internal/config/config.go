// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for icloud-go. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// merges [operations.<name>] sections over the built-in operation catalog.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Account    AccountConfig              `toml:"account"`
	Retry      RetryConfig                `toml:"retry"`
	Network    NetworkConfig              `toml:"network"`
	Logging    LoggingConfig              `toml:"logging"`
	Operations map[string]OperationConfig `toml:"operations"`
}

// AccountConfig identifies the account and bounds the login attempt budgets.
type AccountConfig struct {
	AppleID               string `toml:"apple_id"`
	ChinaMainland         bool   `toml:"china_mainland"`
	SavePassword          bool   `toml:"save_password"`
	MaxCredentialAttempts int    `toml:"max_credential_attempts"`
	MaxCodeAttempts       int    `toml:"max_code_attempts"`
}

// RetryConfig sets the default retry policy applied to operations that do
// not name their own.
type RetryConfig struct {
	Policy     string `toml:"policy"`
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
	RetryCount int    `toml:"retry_count"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// OperationConfig defines or overrides one catalog operation. Fields left
// empty keep the built-in value when the name matches a built-in operation.
// Pointer fields distinguish "not specified" from an explicit zero.
type OperationConfig struct {
	Service    string `toml:"service"`
	Method     string `toml:"method"`
	Endpoint   string `toml:"endpoint"`
	Protocol   string `toml:"protocol"`
	RetryCount *int   `toml:"retry_count"`
	MaxDelay   string `toml:"max_delay"`
	Policy     string `toml:"policy"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath    string  // --config flag (empty = use default)
	AppleID       *string // --apple-id flag
	ChinaMainland *bool   // --china-mainland flag
}
