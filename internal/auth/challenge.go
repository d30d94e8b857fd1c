package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"

	"github.com/tonimelisma/icloud-go/internal/cloud"
)

// DefaultMaxCodeAttempts is how many wrong one-time codes abandon a
// challenge.
const DefaultMaxCodeAttempts = 3

// Delivery channels of a TrustedDevice.
const (
	ChannelSMS    = "sms"
	ChannelDevice = "device"
)

// TrustedDevice is a destination for a two-step verification code.
type TrustedDevice struct {
	ID              string
	DisplayLabel    string
	DeliveryChannel string

	// raw is echoed back to the service verbatim.
	raw map[string]any
}

func newTrustedDevice(raw map[string]any) TrustedDevice {
	str := func(key string) string {
		if v, ok := raw[key]; ok && v != nil {
			return fmt.Sprint(v)
		}

		return ""
	}

	d := TrustedDevice{ID: str("deviceId"), DisplayLabel: str("deviceName"), raw: raw}

	if phone := str("phoneNumber"); phone != "" {
		d.DeliveryChannel = ChannelSMS
		if d.DisplayLabel == "" {
			d.DisplayLabel = "SMS to " + phone
		}
	} else {
		d.DeliveryChannel = ChannelDevice
		if d.DisplayLabel == "" {
			d.DisplayLabel = str("deviceType")
		}
	}

	return d
}

// ChallengeHandler answers the challenge a Machine is waiting on. Every call
// is a single round trip under the machine's policy; nothing here sleeps.
type ChallengeHandler struct {
	m           *Machine
	maxAttempts int
	logger      *slog.Logger
}

// NewChallengeHandler returns a handler bound to m. maxCodeAttempts <= 0
// selects DefaultMaxCodeAttempts.
func NewChallengeHandler(m *Machine, maxCodeAttempts int) *ChallengeHandler {
	if maxCodeAttempts <= 0 {
		maxCodeAttempts = DefaultMaxCodeAttempts
	}

	return &ChallengeHandler{m: m, maxAttempts: maxCodeAttempts, logger: m.logger}
}

// RemainingCodeAttempts reports how many wrong codes the current challenge
// still tolerates.
func (h *ChallengeHandler) RemainingCodeAttempts() int {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	return max(0, h.maxAttempts-h.m.codeFailures)
}

// TrustedDevices lists where a two-step code can be sent.
func (h *ChallengeHandler) TrustedDevices(ctx context.Context) ([]TrustedDevice, error) {
	release, err := h.begin(TwoStep)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := h.m.do(ctx, request{
		name:   "setup.listDevices",
		method: http.MethodGet,
		url:    h.m.WithClientParams(h.m.endpoints.setupURL("/listDevices")),
		header: h.m.endpoints.baseHeaders(),
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Devices []map[string]any `json:"devices"`
	}

	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, malformed("device list", err)
	}

	devices := make([]TrustedDevice, 0, len(body.Devices))
	for _, raw := range body.Devices {
		devices = append(devices, newTrustedDevice(raw))
	}

	return devices, nil
}

// SendVerificationCode asks the service to deliver a code to device.
func (h *ChallengeHandler) SendVerificationCode(ctx context.Context, device TrustedDevice) error {
	release, err := h.begin(TwoStep)
	if err != nil {
		return err
	}
	defer release()

	body, err := json.Marshal(device.raw)
	if err != nil {
		return fmt.Errorf("auth: encoding device: %w", err)
	}

	_, err = h.m.do(ctx, request{
		name:   "setup.sendVerificationCode",
		method: http.MethodPost,
		url:    h.m.WithClientParams(h.m.endpoints.setupURL("/sendVerificationCode")),
		header: h.m.endpoints.baseHeaders(),
		body:   body,
	})

	return err
}

// ValidateVerificationCode checks a two-step code. A wrong code returns
// false and leaves the state alone until the attempt budget is spent, at
// which point the challenge is abandoned. A correct code requests session
// trust and finishes the login.
func (h *ChallengeHandler) ValidateVerificationCode(ctx context.Context, device TrustedDevice, code string) (bool, error) {
	release, err := h.begin(TwoStep)
	if err != nil {
		return false, err
	}
	defer release()

	payload := maps.Clone(device.raw)
	if payload == nil {
		payload = make(map[string]any)
	}

	payload["verificationCode"] = code
	payload["trustBrowser"] = true

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("auth: encoding verification code: %w", err)
	}

	_, err = h.m.do(ctx, request{
		name:   "setup.validateVerificationCode",
		method: http.MethodPost,
		url:    h.m.WithClientParams(h.m.endpoints.setupURL("/validateVerificationCode")),
		header: h.m.endpoints.baseHeaders(),
		body:   body,
	})
	if err != nil {
		return h.codeRejected(err)
	}

	if _, err := h.trustAndLogin(ctx); err != nil {
		return true, err
	}

	return true, nil
}

// ValidateTwoFactorCode checks a code shown on a trusted device.
func (h *ChallengeHandler) ValidateTwoFactorCode(ctx context.Context, code string) (bool, error) {
	release, err := h.begin(TwoFactor)
	if err != nil {
		return false, err
	}
	defer release()

	body, err := json.Marshal(map[string]any{"securityCode": map[string]string{"code": code}})
	if err != nil {
		return false, fmt.Errorf("auth: encoding security code: %w", err)
	}

	_, err = h.m.do(ctx, request{
		name:   "auth.securitycode",
		method: http.MethodPost,
		url:    h.m.endpoints.authURL("/verify/trusteddevice/securitycode"),
		header: h.m.endpoints.authHeaders(h.m.clientID, h.m.Session()),
		body:   body,
	})
	if err != nil {
		return h.codeRejected(err)
	}

	h.logger.Info("security code accepted")

	if _, err := h.trustAndLogin(ctx); err != nil {
		return true, err
	}

	return true, nil
}

// RequestSessionTrust asks the service to trust this session so later
// logins skip the challenge. It is a no-op when already trusted. A refusal
// from the service reports false and leaves the state as it was.
func (h *ChallengeHandler) RequestSessionTrust(ctx context.Context) (bool, error) {
	if !h.m.guard.TryAcquire(1) {
		return false, cloud.NewSemanticError(cloud.CodeAuthInProgress, "another authentication is in progress", nil)
	}
	defer h.m.guard.Release(1)

	if h.m.IsTrustedSession() {
		return true, nil
	}

	if h.m.Session().Empty() {
		return false, cloud.NewSemanticError(cloud.CodeInvalidState, "no session to trust", nil)
	}

	prev := h.m.State()

	if err := h.requestTrust(ctx); err != nil {
		if errors.Is(err, cloud.ErrCanceled) {
			return false, err
		}

		return false, nil
	}

	return h.refresh(ctx, prev.Phase == Authenticated)
}

// trustAndLogin runs after an accepted code: it requests trust unless the
// session is already trusted, then refreshes account data. A failed trust
// request only costs the trust; the session is still verified.
func (h *ChallengeHandler) trustAndLogin(ctx context.Context) (bool, error) {
	h.m.setState(State{Phase: Trusting})

	if !h.m.IsTrustedSession() {
		_ = h.requestTrust(ctx)
	}

	return h.refresh(ctx, true)
}

// requestTrust calls the trust endpoint. Failures are logged and returned.
func (h *ChallengeHandler) requestTrust(ctx context.Context) error {
	_, err := h.m.do(ctx, request{
		name:   "auth.trust",
		method: http.MethodGet,
		url:    h.m.endpoints.authURL("/2sv/trust"),
		header: h.m.endpoints.authHeaders(h.m.clientID, h.m.Session()),
	})
	if err != nil {
		h.logger.Warn("session trust request failed", slog.String("error", err.Error()))
	}

	return err
}

// refresh re-runs the token login so the state follows the account data.
// verified marks a session that has already passed a code.
func (h *ChallengeHandler) refresh(ctx context.Context, verified bool) (bool, error) {
	data, err := h.m.tokenLogin(ctx)
	if err != nil {
		return false, h.m.fail(err)
	}

	if verified {
		err = h.m.acceptVerified(data)
	} else {
		err = h.m.accept(data)
	}

	if err != nil {
		return false, err
	}

	return h.m.IsTrustedSession(), nil
}

// codeRejected turns a wrong-code response into false, and anything else
// into an error. The attempt budget is spent only by wrong codes.
func (h *ChallengeHandler) codeRejected(err error) (bool, error) {
	ce, ok := cloud.AsCloudError(err)
	if !ok || ce.Details()["code"] != cloud.DomainCodeWrongVerificationCode {
		return false, err
	}

	h.m.mu.Lock()
	h.m.codeFailures++
	n := h.m.codeFailures
	h.m.mu.Unlock()

	h.logger.Warn("verification code rejected", slog.Int("remaining_attempts", max(0, h.maxAttempts-n)))

	if n < h.maxAttempts {
		return false, nil
	}

	h.m.mu.Lock()
	h.m.session.SessionToken = ""
	h.m.session.SessionID = ""
	h.m.session.SequenceToken = ""
	h.m.codeFailures = 0
	h.m.state = failed(cloud.CodeChallengeAbandoned)
	rec := h.m.session.Clone()
	h.m.mu.Unlock()

	h.m.notify(rec)

	return false, cloud.NewSemanticError(cloud.CodeChallengeAbandoned,
		fmt.Sprintf("%d wrong verification codes", h.maxAttempts),
		map[string]string{"hint": "sign in again to receive a new code"},
	).WithRemainingAttempts(0)
}

// begin takes the transition guard and checks that kind is pending.
func (h *ChallengeHandler) begin(kind ChallengeKind) (func(), error) {
	if !h.m.guard.TryAcquire(1) {
		return nil, cloud.NewSemanticError(cloud.CodeAuthInProgress, "another authentication is in progress", nil)
	}

	if s := h.m.State(); s.Phase != ChallengePending || s.Challenge != kind {
		h.m.guard.Release(1)

		return nil, cloud.NewSemanticError(cloud.CodeInvalidState,
			fmt.Sprintf("no %s challenge pending (state %s)", kind, s), nil)
	}

	return func() { h.m.guard.Release(1) }, nil
}
