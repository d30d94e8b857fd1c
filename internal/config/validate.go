package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tonimelisma/icloud-go/internal/retry"
)

// Validation range constants.
const (
	minAttempts   = 1
	maxAttempts   = 10
	maxRetryCount = 10
	minBaseDelay  = 10 * time.Millisecond
	minTimeout    = 1 * time.Second
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
	validPolicies   = map[string]bool{retry.NameDefault: true, retry.NameNone: true}
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAccount(&cfg.Account)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateOperations(cfg.Operations)...)

	return errors.Join(errs...)
}

func validateAccount(a *AccountConfig) []error {
	var errs []error

	errs = append(errs, checkRange("max_credential_attempts", a.MaxCredentialAttempts, minAttempts, maxAttempts)...)
	errs = append(errs, checkRange("max_code_attempts", a.MaxCodeAttempts, minAttempts, maxAttempts)...)

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if !validPolicies[r.Policy] {
		errs = append(errs, fmt.Errorf("retry.policy: must be %q or %q, got %q", retry.NameDefault, retry.NameNone, r.Policy))
	}

	base, err := parseDurationMin("retry.base_delay", r.BaseDelay, minBaseDelay)
	if err != nil {
		errs = append(errs, err)
	}

	maxDelay, err := parseDurationMin("retry.max_delay", r.MaxDelay, minBaseDelay)
	if err != nil {
		errs = append(errs, err)
	}

	if base > 0 && maxDelay > 0 && maxDelay < base {
		errs = append(errs, fmt.Errorf("retry.max_delay: must be >= base_delay (%s), got %s", base, maxDelay))
	}

	errs = append(errs, checkRange("retry.retry_count", r.RetryCount, 0, maxRetryCount)...)

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if _, err := parseDurationMin("network.timeout", n.Timeout, minTimeout); err != nil {
		errs = append(errs, err)
	}

	if n.UserAgent == "" {
		errs = append(errs, errors.New("network.user_agent: must not be empty"))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

// validateOperations checks the per-operation fields that can be checked
// without the built-in catalog; completeness is checked when merging.
func validateOperations(ops map[string]OperationConfig) []error {
	var errs []error

	for name, oc := range ops {
		if oc.Policy != "" && !validPolicies[oc.Policy] {
			errs = append(errs, fmt.Errorf("operations.%s.policy: unknown policy %q", name, oc.Policy))
		}

		if oc.RetryCount != nil {
			errs = append(errs, checkRange("operations."+name+".retry_count", *oc.RetryCount, 0, maxRetryCount)...)
		}

		if oc.MaxDelay != "" {
			if _, err := parseDurationMin("operations."+name+".max_delay", oc.MaxDelay, minBaseDelay); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errs
}

func checkRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

func parseDurationMin(field, s string, floor time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, s)
	}

	if d < floor {
		return 0, fmt.Errorf("%s: must be >= %s, got %s", field, floor, d)
	}

	return d, nil
}
