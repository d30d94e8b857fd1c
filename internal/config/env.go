package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig        = "ICLOUD_GO_CONFIG"
	EnvAppleID       = "ICLOUD_GO_APPLE_ID"
	EnvChinaMainland = "ICLOUD_GO_CHINA_MAINLAND"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath    string // ICLOUD_GO_CONFIG: override config file path
	AppleID       string // ICLOUD_GO_APPLE_ID: account identifier
	ChinaMainland string // ICLOUD_GO_CHINA_MAINLAND: "true"/"false"
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:    os.Getenv(EnvConfig),
		AppleID:       os.Getenv(EnvAppleID),
		ChinaMainland: os.Getenv(EnvChinaMainland),
	}
}
