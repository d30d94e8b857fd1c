package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-go/internal/cloud"
)

// sleepRecorder records every requested delay without waiting.
type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

// newTestBackoff builds a DefaultBackoff with a recording sleep and a
// deterministic jitter of 0.6·d unless jitter is given.
func newTestBackoff(base, maxDelay time.Duration, jitter JitterFunc) (*DefaultBackoff, *sleepRecorder) {
	rec := &sleepRecorder{}
	p := NewDefaultBackoff(base, maxDelay, slog.Default())
	p.Sleep = rec.sleep

	if jitter != nil {
		p.Jitter = jitter
	}

	return p, rec
}

func sixTenths(d time.Duration) time.Duration { return d * 6 / 10 }

func identity(d time.Duration) time.Duration { return d }

// failingAttempt returns err on every call and counts calls.
func failingAttempt(calls *int, err error) Attempt {
	return func(context.Context) ([]byte, error) {
		*calls++
		return nil, err
	}
}

func TestDefaultBackoff_DelaySequenceWithJitter(t *testing.T) {
	p, rec := newTestBackoff(500*time.Millisecond, time.Minute, sixTenths)

	var calls int
	pc := NewPolicyContext(cloud.Operation{Name: "op", RetryCount: 5}, "https://example.test")

	_, err := p.Execute(context.Background(), pc,
		failingAttempt(&calls, cloud.NewTransportError(cloud.CodeNetworkError, "reset", nil)))
	require.Error(t, err)

	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{
		300 * time.Millisecond,
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
	}, rec.delays)

	var total time.Duration
	for _, d := range rec.delays {
		total += d
	}

	// 0.6 * (0.5 + 1 + 2 + 4)s
	assert.Equal(t, 4500*time.Millisecond, total)
	assert.Equal(t, 4, pc.AttemptNo)

	ce, ok := cloud.AsCloudError(err)
	require.True(t, ok)
	assert.Equal(t, 5, ce.Attempts())
}

func TestDefaultBackoff_MaxDelayCaps(t *testing.T) {
	p, rec := newTestBackoff(500*time.Millisecond, time.Minute, identity)

	var calls int
	op := cloud.Operation{Name: "op", RetryCount: 6, MaxDelay: 2 * time.Second}

	_, err := p.Execute(context.Background(), NewPolicyContext(op, ""),
		failingAttempt(&calls, cloud.NewRetryableSemanticError("busy", nil, 0)))
	require.Error(t, err)

	assert.Equal(t, 6, calls)
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
	}, rec.delays)
}

func TestDefaultBackoff_PolicyMaxDelayWhenOperationUnset(t *testing.T) {
	p, rec := newTestBackoff(time.Second, 3*time.Second, identity)

	var calls int
	_, err := p.Execute(context.Background(), NewPolicyContext(cloud.Operation{Name: "op", RetryCount: 4}, ""),
		failingAttempt(&calls, cloud.NewTransportError(cloud.CodeNetworkError, "reset", nil)))
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, rec.delays)
}

func TestDefaultBackoff_NonRetryableStopsImmediately(t *testing.T) {
	nonRetryable := []struct {
		ce       *cloud.CloudError
		sentinel error
	}{
		{cloud.NewSemanticError(cloud.CodeRequestRejected, "bad", nil), cloud.ErrRequestRejected},
		{cloud.NewAuthError(cloud.CodeSessionInvalid, "expired", nil), cloud.ErrSessionInvalid},
		{cloud.NewConfigError(cloud.CodeUnsupportedOperation, "bad op", nil), cloud.ErrUnsupportedOperation},
	}

	for _, tt := range nonRetryable {
		ce := tt.ce

		t.Run(string(ce.Code()), func(t *testing.T) {
			p, rec := newTestBackoff(time.Second, time.Minute, identity)

			var calls int
			pc := NewPolicyContext(cloud.Operation{Name: "op", RetryCount: 5}, "")

			_, err := p.Execute(context.Background(), pc, failingAttempt(&calls, ce))
			require.Error(t, err)

			assert.Equal(t, 1, calls)
			assert.Equal(t, 0, pc.AttemptNo)
			assert.Empty(t, rec.delays)
			assert.ErrorIs(t, err, tt.sentinel)

			got, ok := cloud.AsCloudError(err)
			require.True(t, ok)
			assert.Equal(t, ce.Code(), got.Code())
			assert.Equal(t, 1, got.Attempts())
		})
	}
}

func TestDefaultBackoff_SuccessAfterRetry(t *testing.T) {
	p, rec := newTestBackoff(time.Second, time.Minute, identity)

	var calls int
	attempt := func(context.Context) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, cloud.NewTransportError(cloud.CodeNetworkError, "reset", nil)
		}

		return []byte("ok"), nil
	}

	data, err := p.Execute(context.Background(), NewPolicyContext(cloud.Operation{Name: "op", RetryCount: 5}, ""), attempt)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)
}

func TestDefaultBackoff_ZeroRetryCountStillAttemptsOnce(t *testing.T) {
	p, rec := newTestBackoff(time.Second, time.Minute, identity)

	var calls int
	_, err := p.Execute(context.Background(), NewPolicyContext(cloud.Operation{Name: "op"}, ""),
		failingAttempt(&calls, cloud.NewTransportError(cloud.CodeNetworkError, "reset", nil)))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDefaultBackoff_RetryAfterOverridesBackoff(t *testing.T) {
	p, rec := newTestBackoff(time.Second, 10*time.Second, sixTenths)

	var calls int
	_, err := p.Execute(context.Background(), NewPolicyContext(cloud.Operation{Name: "op", RetryCount: 3}, ""),
		failingAttempt(&calls, cloud.NewRetryableSemanticError("slow down", nil, 30*time.Second)))
	require.Error(t, err)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, rec.delays)
}

func TestDefaultBackoff_CanceledDuringSleep(t *testing.T) {
	p := NewDefaultBackoff(time.Second, time.Minute, slog.Default())
	p.Sleep = func(context.Context, time.Duration) error { return context.Canceled }

	var calls int
	lastErr := cloud.NewTransportError(cloud.CodeNetworkError, "reset", nil)

	_, err := p.Execute(context.Background(), NewPolicyContext(cloud.Operation{Name: "op", RetryCount: 5}, ""),
		failingAttempt(&calls, lastErr))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cloud.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, cloud.ErrNetwork)
}

func TestDefaultBackoff_PlainErrorNotRetried(t *testing.T) {
	p, rec := newTestBackoff(time.Second, time.Minute, identity)

	var calls int
	plain := errors.New("decode failure")

	_, err := p.Execute(context.Background(), NewPolicyContext(cloud.Operation{Name: "op", RetryCount: 5}, ""),
		failingAttempt(&calls, plain))
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestFullJitter_Bounds(t *testing.T) {
	const d = time.Second

	var sum float64

	const n = 20000

	for range n {
		j := FullJitter(d)
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.LessOrEqual(t, j, d)

		sum += float64(j)
	}

	mean := sum / n
	assert.InDelta(t, float64(d)/2, mean, float64(d)*0.02)
	assert.Equal(t, time.Duration(0), FullJitter(0))
}

func TestNoRetry_SingleAttemptNoSleep(t *testing.T) {
	var calls int

	pc := NewPolicyContext(cloud.Operation{Name: "op", RetryCount: 10}, "")

	_, err := NoRetry{}.Execute(context.Background(), pc,
		failingAttempt(&calls, cloud.NewTransportError(cloud.CodeNetworkError, "reset", nil)))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, pc.AttemptNo)
	assert.NotNil(t, pc.LastError)
}
