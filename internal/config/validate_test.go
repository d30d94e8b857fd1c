package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	intPtr := func(v int) *int { return &v }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "credential attempts too high", mutate: func(c *Config) { c.Account.MaxCredentialAttempts = 11 }, wantErr: "max_credential_attempts"},
		{name: "code attempts zero", mutate: func(c *Config) { c.Account.MaxCodeAttempts = 0 }, wantErr: "max_code_attempts"},
		{name: "unknown policy", mutate: func(c *Config) { c.Retry.Policy = "aggressive" }, wantErr: "retry.policy"},
		{name: "base delay too small", mutate: func(c *Config) { c.Retry.BaseDelay = "1ms" }, wantErr: "retry.base_delay: must be >="},
		{name: "max below base", mutate: func(c *Config) { c.Retry.BaseDelay = "5s"; c.Retry.MaxDelay = "1s" }, wantErr: "must be >= base_delay"},
		{name: "negative retry count", mutate: func(c *Config) { c.Retry.RetryCount = -1 }, wantErr: "retry.retry_count"},
		{name: "timeout too short", mutate: func(c *Config) { c.Network.Timeout = "100ms" }, wantErr: "network.timeout"},
		{name: "empty user agent", mutate: func(c *Config) { c.Network.UserAgent = "" }, wantErr: "network.user_agent"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.LogFormat = "xml" }, wantErr: "logging.log_format"},
		{
			name: "operation policy",
			mutate: func(c *Config) {
				c.Operations["hme.list"] = OperationConfig{Policy: "fast"}
			},
			wantErr: "operations.hme.list.policy",
		},
		{
			name: "operation retry count",
			mutate: func(c *Config) {
				c.Operations["hme.list"] = OperationConfig{RetryCount: intPtr(99)}
			},
			wantErr: "operations.hme.list.retry_count",
		},
		{
			name: "operation max delay",
			mutate: func(c *Config) {
				c.Operations["hme.list"] = OperationConfig{MaxDelay: "later"}
			},
			wantErr: "operations.hme.list.max_delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
