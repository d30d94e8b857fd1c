package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-go/internal/cloud"
	"github.com/tonimelisma/icloud-go/internal/fakeicloud"
)

func twoFactorMachine(t *testing.T) (*fakeicloud.Server, *Machine, *ChallengeHandler) {
	t.Helper()

	f := newFakeService(t)
	f.Set(func(f *fakeicloud.Server) {
		f.HSAVersion = 2
		f.ChallengeRequired = true
		f.Trusted = false
	})

	m := newTestMachine(t, f, nil)
	m.UseSecret([]byte("s3cret"))

	require.NoError(t, m.Authenticate(context.Background(), false, ""))
	require.True(t, m.RequiresTwoFactor())

	return f, m, NewChallengeHandler(m, 0)
}

func twoStepMachine(t *testing.T) (*fakeicloud.Server, *Machine, *ChallengeHandler) {
	t.Helper()

	f := newFakeService(t)
	f.Set(func(f *fakeicloud.Server) {
		f.HSAVersion = 1
		f.Trusted = false
	})

	m := newTestMachine(t, f, nil)
	m.UseSecret([]byte("s3cret"))

	require.NoError(t, m.Authenticate(context.Background(), false, ""))
	require.True(t, m.RequiresTwoStep())

	return f, m, NewChallengeHandler(m, 0)
}

func TestTwoFactor_PendingIsAStateNotAnError(t *testing.T) {
	f, m, _ := twoFactorMachine(t)

	assert.Equal(t, State{Phase: ChallengePending, Challenge: TwoFactor}, m.State())
	assert.False(t, m.IsAuthenticated())
	assert.False(t, m.IsTrustedSession())
	assert.Equal(t, 1, f.Count("/auth/signin/complete"))
	assert.NotEmpty(t, m.Session().SessionToken)
}

func TestTwoFactor_WrongThenRightCode(t *testing.T) {
	f, m, h := twoFactorMachine(t)

	ok, err := h.ValidateTwoFactorCode(context.Background(), "000000")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, State{Phase: ChallengePending, Challenge: TwoFactor}, m.State())
	assert.Equal(t, 2, h.RemainingCodeAttempts())

	hdr := f.Header("/auth/verify/trusteddevice/securitycode")
	assert.Equal(t, "scnt-value", hdr.Get("scnt"))
	assert.Equal(t, "session-id", hdr.Get("X-Apple-ID-Session-Id"))

	ok, err = h.ValidateTwoFactorCode(context.Background(), testCode)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, m.IsAuthenticated())
	assert.True(t, m.IsTrustedSession())
	assert.Equal(t, 1, f.Count("/auth/2sv/trust"))
	assert.Equal(t, "trust-token", m.Session().TrustToken)
	assert.Equal(t, "session-token-2", m.Session().SessionToken)
}

func TestTwoFactor_AbandonAfterMaxWrongCodes(t *testing.T) {
	f, m, h := twoFactorMachine(t)

	for range 2 {
		ok, err := h.ValidateTwoFactorCode(context.Background(), "000000")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := h.ValidateTwoFactorCode(context.Background(), "000000")
	assert.False(t, ok)
	require.ErrorIs(t, err, cloud.ErrChallengeAbandoned)
	assert.Equal(t, State{Phase: Failed, Reason: cloud.CodeChallengeAbandoned}, m.State())
	assert.Empty(t, m.Session().SessionToken)

	_, err = h.ValidateTwoFactorCode(context.Background(), testCode)
	require.ErrorIs(t, err, cloud.ErrInvalidState)

	// Restarting the handshake yields a fresh challenge with a full budget.
	require.NoError(t, m.Authenticate(context.Background(), false, ""))
	assert.True(t, m.RequiresTwoFactor())
	assert.Equal(t, 2, f.Count("/auth/signin/init"))
	assert.Equal(t, DefaultMaxCodeAttempts, h.RemainingCodeAttempts())
}

func TestTwoStep_DevicesSendAndValidate(t *testing.T) {
	f, m, h := twoStepMachine(t)

	devices, err := h.TrustedDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "1", devices[0].ID)
	assert.Equal(t, "SMS to ********12", devices[0].DisplayLabel)
	assert.Equal(t, ChannelSMS, devices[0].DeliveryChannel)
	assert.Equal(t, "Jane's iPhone", devices[1].DisplayLabel)
	assert.Equal(t, ChannelDevice, devices[1].DeliveryChannel)

	require.NoError(t, h.SendVerificationCode(context.Background(), devices[0]))
	assert.Equal(t, "1", f.Body("/setup/sendVerificationCode")["deviceId"])

	ok, err := h.ValidateVerificationCode(context.Background(), devices[0], "999999")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, m.RequiresTwoStep())

	ok, err = h.ValidateVerificationCode(context.Background(), devices[0], testCode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.IsAuthenticated())

	body := f.Body("/setup/validateVerificationCode")
	assert.Equal(t, testCode, body["verificationCode"])
	assert.Equal(t, true, body["trustBrowser"])
	assert.Equal(t, "1", body["deviceId"])
}

func TestChallenge_WrongStateIsRejected(t *testing.T) {
	f, _, h := twoFactorMachine(t)
	before := f.Total()

	_, err := h.TrustedDevices(context.Background())
	require.ErrorIs(t, err, cloud.ErrInvalidState)

	_, err = h.ValidateVerificationCode(context.Background(), TrustedDevice{}, testCode)
	require.ErrorIs(t, err, cloud.ErrInvalidState)

	assert.Equal(t, before, f.Total())
}

func TestChallenge_GuardRejectsConcurrentCalls(t *testing.T) {
	_, m, h := twoFactorMachine(t)

	require.True(t, m.guard.TryAcquire(1))
	defer m.guard.Release(1)

	_, err := h.ValidateTwoFactorCode(context.Background(), testCode)
	require.ErrorIs(t, err, cloud.ErrAuthInProgress)
}

func TestRequestSessionTrust(t *testing.T) {
	t.Run("already trusted is a no-op", func(t *testing.T) {
		f := newFakeService(t)
		m := newTestMachine(t, f, nil)
		m.UseSecret([]byte("s3cret"))
		require.NoError(t, m.Authenticate(context.Background(), false, ""))

		ok, err := NewChallengeHandler(m, 0).RequestSessionTrust(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, f.Count("/auth/2sv/trust"))
	})

	t.Run("no session", func(t *testing.T) {
		f := newFakeService(t)
		m := newTestMachine(t, f, nil)

		_, err := NewChallengeHandler(m, 0).RequestSessionTrust(context.Background())
		require.ErrorIs(t, err, cloud.ErrInvalidState)
	})

	t.Run("untrusted session becomes trusted", func(t *testing.T) {
		f, m, h := twoFactorMachine(t)

		ok, err := h.RequestSessionTrust(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, m.IsAuthenticated())
		assert.Equal(t, 1, f.Count("/auth/2sv/trust"))
	})
}

func TestTwoFactor_TrustFailureStillAuthenticates(t *testing.T) {
	f, m, h := twoFactorMachine(t)
	f.Set(func(f *fakeicloud.Server) { f.FailStatus["/auth/2sv/trust"] = 503 })

	ok, err := h.ValidateTwoFactorCode(context.Background(), testCode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.IsAuthenticated(), "state %s", m.State())
	assert.False(t, m.IsTrustedSession())
	assert.Equal(t, 1, f.Count("/auth/2sv/trust"))

	// A refused trust request reports false and keeps the session usable.
	f.Set(func(f *fakeicloud.Server) { f.FailStatus["/auth/2sv/trust"] = 503 })

	ok, err = h.RequestSessionTrust(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, m.IsAuthenticated())

	// Trust can be requested again later.
	ok, err = h.RequestSessionTrust(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, 3, f.Count("/auth/2sv/trust"))
	assert.Equal(t, fakeicloud.TrustToken, m.Session().TrustToken)
}
