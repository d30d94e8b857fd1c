package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w, after all override layers have been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[account]\n")
	ew.printf("  apple_id                = %q\n", r.AppleID)
	ew.printf("  china_mainland          = %t\n", r.ChinaMainland)
	ew.printf("  save_password           = %t\n", r.SavePassword)
	ew.printf("  max_credential_attempts = %d\n", r.MaxCredentialAttempts)
	ew.printf("  max_code_attempts       = %d\n\n", r.MaxCodeAttempts)

	ew.printf("[retry]\n")
	ew.printf("  policy      = %q\n", r.RetryPolicy)
	ew.printf("  base_delay  = %q\n", r.BaseDelay)
	ew.printf("  max_delay   = %q\n", r.MaxDelay)
	ew.printf("  retry_count = %d\n\n", r.RetryCount)

	ew.printf("[network]\n")
	ew.printf("  timeout    = %q\n", r.Timeout)
	ew.printf("  user_agent = %q\n\n", r.UserAgent)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)
	ew.printf("  log_format = %q\n", r.LogFormat)

	for _, op := range r.Operations {
		ew.printf("\n[operations.%q]\n", op.Name)
		ew.printf("  method      = %q\n", op.Method)

		if op.Service != "" {
			ew.printf("  service     = %q\n", op.Service)
		}

		ew.printf("  endpoint    = %q\n", op.Endpoint)
		ew.printf("  protocol    = %q\n", op.EffectiveProtocol())
		ew.printf("  retry_count = %d\n", op.RetryCount)

		if op.MaxDelay > 0 {
			ew.printf("  max_delay   = %q\n", op.MaxDelay)
		}

		if op.Policy != "" {
			ew.printf("  policy      = %q\n", op.Policy)
		}
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
