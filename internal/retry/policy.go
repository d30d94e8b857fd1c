// Package retry runs idempotent attempts under pluggable backoff policies.
// Policies own all sleeping; callers only describe one attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tonimelisma/icloud-go/internal/cloud"
)

// Policy names registered by default.
const (
	NameDefault = "default"
	NameNone    = "none"
)

// Default backoff parameters.
const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
)

// Attempt performs exactly one round trip. A returned error that is not a
// *cloud.CloudError is treated as non-retryable.
type Attempt func(ctx context.Context) ([]byte, error)

// PolicyContext is created fresh for every Invoke and records where the
// retry loop is. AttemptNo is 0-based.
type PolicyContext struct {
	Operation cloud.Operation
	AttemptNo int
	LastError *cloud.CloudError
	URL       string
}

// NewPolicyContext returns a context for the first attempt of op.
func NewPolicyContext(op cloud.Operation, url string) *PolicyContext {
	return &PolicyContext{Operation: op, URL: url}
}

// Policy is the strategy interface every retry policy implements.
type Policy interface {
	Name() string
	Execute(ctx context.Context, pc *PolicyContext, attempt Attempt) ([]byte, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// JitterFunc scales a computed delay.
type JitterFunc func(d time.Duration) time.Duration

// FullJitter returns a delay uniformly distributed in [0, d].
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(d) + 1)) //nolint:gosec // jitter does not need crypto rand
}

// DefaultBackoff retries retryable errors with capped exponential backoff
// and full jitter.
type DefaultBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration // used when the operation sets no MaxDelay
	Jitter    JitterFunc
	Sleep     SleepFunc
	Logger    *slog.Logger
}

// NewDefaultBackoff returns a DefaultBackoff with real sleeps and full jitter.
func NewDefaultBackoff(base, maxDelay time.Duration, logger *slog.Logger) *DefaultBackoff {
	if logger == nil {
		logger = slog.Default()
	}

	if base <= 0 {
		base = DefaultBaseDelay
	}

	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	return &DefaultBackoff{
		BaseDelay: base,
		MaxDelay:  maxDelay,
		Jitter:    FullJitter,
		Sleep:     timeSleep,
		Logger:    logger,
	}
}

// Name implements Policy.
func (p *DefaultBackoff) Name() string { return NameDefault }

// Execute runs attempt up to max(1, RetryCount) times.
func (p *DefaultBackoff) Execute(ctx context.Context, pc *PolicyContext, attempt Attempt) ([]byte, error) {
	maxTries := max(1, pc.Operation.RetryCount)

	for pc.AttemptNo = 0; ; pc.AttemptNo++ {
		if pc.AttemptNo > 0 {
			delay := p.delay(pc)

			p.Logger.Warn("retrying after error",
				slog.String("operation", pc.Operation.Name),
				slog.Int("attempt", pc.AttemptNo+1),
				slog.Int("max_attempts", maxTries),
				slog.Duration("backoff", delay),
				slog.String("code", string(pc.LastError.Code())),
			)

			if err := p.Sleep(ctx, delay); err != nil {
				return nil, cloud.NewConfigError(cloud.CodeCanceled, "retry wait canceled",
					errors.Join(err, pc.LastError)).WithAttempts(pc.AttemptNo)
			}
		}

		data, err := attempt(ctx)
		if err == nil {
			if pc.AttemptNo > 0 {
				p.Logger.Info("request succeeded after retry",
					slog.String("operation", pc.Operation.Name),
					slog.Int("attempts", pc.AttemptNo+1),
				)
			}

			return data, nil
		}

		ce, ok := cloud.AsCloudError(err)
		if !ok {
			return nil, err
		}

		pc.LastError = ce

		if !ce.Retryable() || pc.AttemptNo+1 >= maxTries {
			if ce.Retryable() {
				p.Logger.Error("request failed after retries",
					slog.String("operation", pc.Operation.Name),
					slog.Int("attempts", pc.AttemptNo+1),
					slog.String("code", string(ce.Code())),
				)
			}

			return nil, ce.WithAttempts(pc.AttemptNo + 1)
		}
	}
}

// delay computes the wait before attempt pc.AttemptNo (> 0): the previous
// attempt number drives the exponent, so the first retry waits BaseDelay.
func (p *DefaultBackoff) delay(pc *PolicyContext) time.Duration {
	maxDelay := p.MaxDelay
	if pc.Operation.MaxDelay > 0 {
		maxDelay = pc.Operation.MaxDelay
	}

	if ra := pc.LastError.RetryAfter(); ra > 0 {
		return min(ra, maxDelay)
	}

	backoff := float64(p.BaseDelay) * math.Pow(2, float64(pc.AttemptNo-1))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	return p.Jitter(time.Duration(backoff))
}

// NoRetry runs the attempt exactly once and never sleeps. It is used for
// the handshake and for interactive challenge steps.
type NoRetry struct{}

// Name implements Policy.
func (NoRetry) Name() string { return NameNone }

// Execute implements Policy.
func (NoRetry) Execute(ctx context.Context, pc *PolicyContext, attempt Attempt) ([]byte, error) {
	pc.AttemptNo = 0

	data, err := attempt(ctx)
	if err != nil {
		if ce, ok := cloud.AsCloudError(err); ok {
			pc.LastError = ce
			return nil, ce.WithAttempts(1)
		}

		return nil, err
	}

	return data, nil
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// String renders a PolicyContext for debugging with a 1-based attempt.
func (pc *PolicyContext) String() string {
	return fmt.Sprintf("%s attempt %d", pc.Operation.Name, pc.AttemptNo+1)
}
