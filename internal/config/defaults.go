package config

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultSavePassword          = true
	defaultMaxCredentialAttempts = 3
	defaultMaxCodeAttempts       = 3
	defaultRetryPolicy           = "default"
	defaultBaseDelay             = "1s"
	defaultMaxDelay              = "30s"
	defaultRetryCount            = 3
	defaultTimeout               = "60s"
	defaultUserAgent             = "icloud-go/1.0"
	defaultLogLevel              = "warn"
	defaultLogFormat             = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			SavePassword:          defaultSavePassword,
			MaxCredentialAttempts: defaultMaxCredentialAttempts,
			MaxCodeAttempts:       defaultMaxCodeAttempts,
		},
		Retry: RetryConfig{
			Policy:     defaultRetryPolicy,
			BaseDelay:  defaultBaseDelay,
			MaxDelay:   defaultMaxDelay,
			RetryCount: defaultRetryCount,
		},
		Network: NetworkConfig{
			Timeout:   defaultTimeout,
			UserAgent: defaultUserAgent,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Operations: make(map[string]OperationConfig),
	}
}
