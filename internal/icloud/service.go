// Package icloud composes the authentication machine, challenge handler,
// retry policies and request pipeline into one Service per account, and
// persists the session between runs.
package icloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/tonimelisma/icloud-go/internal/auth"
	"github.com/tonimelisma/icloud-go/internal/cloud"
	"github.com/tonimelisma/icloud-go/internal/config"
	"github.com/tonimelisma/icloud-go/internal/pipeline"
	"github.com/tonimelisma/icloud-go/internal/retry"
	"github.com/tonimelisma/icloud-go/internal/sessionfile"
)

// Meta keys cached in the session file.
const (
	metaFullName = "full_name"
	metaDSID     = "dsid"
)

// Options configures a Service. Identifier is required.
type Options struct {
	Identifier string
	Endpoints  auth.Endpoints
	Operations []cloud.Operation

	// Transport defaults to an HTTPTransport with Timeout and UserAgent.
	Transport cloud.Transport
	Timeout   time.Duration
	UserAgent string

	Store                 auth.CredentialStore
	SaveCredential        bool
	MaxCredentialAttempts int
	MaxCodeAttempts       int

	DefaultPolicy string
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// Sleep replaces the backoff sleep; tests use it to record delays.
	Sleep retry.SleepFunc

	// SessionPath is where the session record is persisted. Empty disables
	// persistence.
	SessionPath string

	Random io.Reader
	Logger *slog.Logger
}

// OptionsFromConfig maps a resolved configuration onto Options.
func OptionsFromConfig(r *config.Resolved) Options {
	return Options{
		Identifier:            r.AppleID,
		Endpoints:             r.Endpoints(),
		Operations:            r.Operations,
		Timeout:               r.Timeout,
		UserAgent:             r.UserAgent,
		SaveCredential:        r.SavePassword,
		MaxCredentialAttempts: r.MaxCredentialAttempts,
		MaxCodeAttempts:       r.MaxCodeAttempts,
		DefaultPolicy:         r.RetryPolicy,
		BaseDelay:             r.BaseDelay,
		MaxDelay:              r.MaxDelay,
		SessionPath:           r.SessionPath(),
	}
}

// Service is the caller-facing entry point for one account.
type Service struct {
	machine     *auth.Machine
	challenge   *auth.ChallengeHandler
	pipeline    *pipeline.Pipeline
	store       auth.CredentialStore
	sessionPath string
	logger      *slog.Logger
}

// New wires a Service and restores a persisted session when one exists for
// the same account.
func New(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = retry.NameDefault
	}

	if opts.Transport == nil {
		opts.Transport = cloud.NewHTTPTransport(&http.Client{Timeout: opts.Timeout}, opts.UserAgent, opts.Logger)
	}

	classifier := cloud.NewClassifier()
	redactor := cloud.NewRedactor(0)

	backoff := retry.NewDefaultBackoff(opts.BaseDelay, opts.MaxDelay, opts.Logger)
	if opts.Sleep != nil {
		backoff.Sleep = opts.Sleep
	}

	registry, err := retry.NewRegistry(opts.DefaultPolicy, opts.Logger, backoff, retry.NoRetry{})
	if err != nil {
		return nil, fmt.Errorf("icloud: %w", err)
	}

	s := &Service{
		store:       opts.Store,
		sessionPath: opts.SessionPath,
		logger:      opts.Logger,
	}

	machine, err := auth.NewMachine(auth.Config{
		Identifier:            opts.Identifier,
		Endpoints:             opts.Endpoints,
		Transport:             opts.Transport,
		Classifier:            classifier,
		Store:                 opts.Store,
		SaveCredential:        opts.SaveCredential,
		MaxCredentialAttempts: opts.MaxCredentialAttempts,
		Random:                opts.Random,
		OnSessionChange:       s.persist,
		Logger:                opts.Logger,
		Redactor:              redactor,
	})
	if err != nil {
		return nil, fmt.Errorf("icloud: %w", err)
	}

	catalog, err := pipeline.NewCatalog(opts.Operations...)
	if err != nil {
		return nil, fmt.Errorf("icloud: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{
		Catalog:    catalog,
		Auth:       machine,
		Transport:  opts.Transport,
		Classifier: classifier,
		Policies:   registry,
		Codec:      pipeline.JSONCodec{},
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("icloud: %w", err)
	}

	s.machine = machine
	s.challenge = auth.NewChallengeHandler(machine, opts.MaxCodeAttempts)
	s.pipeline = p

	if err := s.restore(); err != nil {
		return nil, err
	}

	return s, nil
}

// restore seeds the machine from the session file. A file written for a
// different account is ignored.
func (s *Service) restore() error {
	if s.sessionPath == "" {
		return nil
	}

	sf, err := sessionfile.Load(s.sessionPath)
	if err != nil {
		return fmt.Errorf("icloud: %w", err)
	}

	if sf == nil {
		return nil
	}

	if sf.Identifier != s.machine.Identifier() {
		s.logger.Warn("session file belongs to another account, ignoring it",
			slog.String("path", s.sessionPath))

		return nil
	}

	s.machine.RestoreSession(*sf.Session)
	s.logger.Debug("restored session", slog.String("path", s.sessionPath))

	return nil
}

// persist writes every session change to the session file. A record with
// neither a session nor a trust token removes the file. Failures are logged;
// losing the file only costs a re-login.
func (s *Service) persist(rec auth.SessionRecord) {
	if s.sessionPath == "" {
		return
	}

	if rec.Empty() && rec.TrustToken == "" {
		if err := sessionfile.Remove(s.sessionPath); err != nil {
			s.logger.Warn("removing session file failed", slog.String("error", err.Error()))
		}

		return
	}

	meta := s.previousMeta()

	if s.machine != nil {
		if info := s.machine.Account(); info.DSID != "" {
			meta[metaFullName] = info.FullName
			meta[metaDSID] = info.DSID
		}
	}

	if err := sessionfile.Save(s.sessionPath, s.Identifier(), rec, meta); err != nil {
		s.logger.Warn("saving session file failed", slog.String("error", err.Error()))
	}
}

// previousMeta returns a copy of the metadata already in the session file so
// keys written by other callers survive a save.
func (s *Service) previousMeta() map[string]string {
	meta := make(map[string]string)

	prev, err := sessionfile.Load(s.sessionPath)
	if err != nil || prev == nil || prev.Identifier != s.Identifier() {
		return meta
	}

	maps.Copy(meta, prev.Meta)

	return meta
}

// Identifier returns the normalized account identifier.
func (s *Service) Identifier() string {
	if s.machine == nil {
		return ""
	}

	return s.machine.Identifier()
}

// UseSecret supplies the account secret for the next handshake.
func (s *Service) UseSecret(secret []byte) { s.machine.UseSecret(secret) }

// HasStoredSecret reports whether the credential store holds a secret for
// this account.
func (s *Service) HasStoredSecret(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}

	return s.store.Exists(ctx, s.Identifier())
}

// Authenticate brings the account to Authenticated or ChallengePending.
func (s *Service) Authenticate(ctx context.Context, forceRefresh bool) error {
	return s.machine.Authenticate(ctx, forceRefresh, "")
}

// ResetCredentialAttempts re-opens the credential budget after exhaustion.
func (s *Service) ResetCredentialAttempts() { s.machine.ResetCredentialAttempts() }

// RemainingCredentialAttempts reports the rest of the credential budget.
func (s *Service) RemainingCredentialAttempts() int { return s.machine.RemainingCredentialAttempts() }

// State returns the authentication state.
func (s *Service) State() auth.State { return s.machine.State() }

// IsAuthenticated reports whether operations can be invoked.
func (s *Service) IsAuthenticated() bool { return s.machine.IsAuthenticated() }

// RequiresTwoFactor reports whether a trusted-device code is awaited.
func (s *Service) RequiresTwoFactor() bool { return s.machine.RequiresTwoFactor() }

// RequiresTwoStep reports whether a device-delivered code is awaited.
func (s *Service) RequiresTwoStep() bool { return s.machine.RequiresTwoStep() }

// IsTrustedSession reports whether the session is trusted.
func (s *Service) IsTrustedSession() bool { return s.machine.IsTrustedSession() }

// TrustedDevices lists the devices a two-step code can be sent to.
func (s *Service) TrustedDevices(ctx context.Context) ([]auth.TrustedDevice, error) {
	return s.challenge.TrustedDevices(ctx)
}

// SendVerificationCode sends a two-step code to device.
func (s *Service) SendVerificationCode(ctx context.Context, device auth.TrustedDevice) error {
	return s.challenge.SendVerificationCode(ctx, device)
}

// ValidateVerificationCode submits a two-step code.
func (s *Service) ValidateVerificationCode(ctx context.Context, device auth.TrustedDevice, code string) (bool, error) {
	return s.challenge.ValidateVerificationCode(ctx, device, code)
}

// ValidateTwoFactorCode submits a two-factor code.
func (s *Service) ValidateTwoFactorCode(ctx context.Context, code string) (bool, error) {
	return s.challenge.ValidateTwoFactorCode(ctx, code)
}

// RemainingCodeAttempts reports how many wrong codes are still tolerated.
func (s *Service) RemainingCodeAttempts() int { return s.challenge.RemainingCodeAttempts() }

// TrustSession asks the service to trust the current session.
func (s *Service) TrustSession(ctx context.Context) (bool, error) {
	return s.challenge.RequestSessionTrust(ctx)
}

// Invoke runs a catalog operation and returns the raw response body.
func (s *Service) Invoke(ctx context.Context, operation string, params any) ([]byte, error) {
	return s.pipeline.Invoke(ctx, operation, params)
}

// InvokeInto runs a catalog operation and decodes the response into out.
func (s *Service) InvokeInto(ctx context.Context, operation string, params, out any) error {
	return s.pipeline.InvokeInto(ctx, operation, params, out)
}

// Operations lists the catalog.
func (s *Service) Operations() []cloud.Operation { return s.pipeline.Operations() }

// Session returns a copy of the session record.
func (s *Service) Session() auth.SessionRecord { return s.machine.Session() }

// Account returns what the service reported about the account.
func (s *Service) Account() auth.AccountInfo { return s.machine.Account() }

// Logout ends the session and removes the session file. With forgetSecret
// the stored secret is deleted too. Local state is cleared even when the
// server call fails; both errors are reported.
func (s *Service) Logout(ctx context.Context, allBrowsers, forgetSecret bool) error {
	err := s.machine.Logout(ctx, allBrowsers)

	if forgetSecret && s.store != nil {
		if delErr := s.store.Delete(ctx, s.Identifier()); delErr != nil {
			err = errors.Join(err, fmt.Errorf("icloud: deleting stored secret: %w", delErr))
		}
	}

	return err
}
