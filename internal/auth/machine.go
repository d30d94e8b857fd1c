package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/icloud-go/internal/cloud"
	"github.com/tonimelisma/icloud-go/internal/retry"
	"github.com/tonimelisma/icloud-go/internal/srp"
)

// DefaultMaxCredentialAttempts is how many consecutive rejected secrets end
// in ExhaustedCredentialAttempts.
const DefaultMaxCredentialAttempts = 3

// derivedKeyLength is the PBKDF2 output length the handshake uses.
const derivedKeyLength = 32

// Config wires a Machine. Transport and Identifier are required; the rest
// have defaults.
type Config struct {
	Identifier            string
	Endpoints             Endpoints
	Transport             cloud.Transport
	Classifier            *cloud.Classifier
	Encoder               *srp.Encoder
	Store                 CredentialStore // optional
	SaveCredential        bool
	MaxCredentialAttempts int
	// Policy governs every auth round trip. It defaults to retry.NoRetry so
	// a handshake is never replayed.
	Policy retry.Policy
	// Random feeds the SRP ephemeral key; nil means crypto/rand.
	Random   io.Reader
	ClientID string
	// OnSessionChange receives a copy of the session record whenever a
	// transition changes it. It runs synchronously, outside the state lock.
	OnSessionChange func(SessionRecord)
	Logger          *slog.Logger
	Redactor        *cloud.Redactor
}

// Machine drives authentication for one account. Queries are safe from
// any goroutine; at most one transition runs at a time and a concurrent
// one is rejected with AuthInProgress.
type Machine struct {
	identifier      string
	endpoints       Endpoints
	transport       cloud.Transport
	classifier      *cloud.Classifier
	encoder         *srp.Encoder
	store           CredentialStore
	saveCredential  bool
	maxAttempts     int
	policy          retry.Policy
	random          io.Reader
	clientID        string
	onSessionChange func(SessionRecord)
	logger          *slog.Logger
	redactor        *cloud.Redactor

	guard *semaphore.Weighted

	mu            sync.Mutex
	state         State
	session       SessionRecord
	account       *accountData
	secret        []byte
	storeRejected bool
	failures      int
	codeFailures  int
}

// NewMachine validates cfg and returns an Unauthenticated machine.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("auth: transport is required")
	}

	id := srp.NormalizeIdentifier(cfg.Identifier)
	if id == "" {
		return nil, errors.New("auth: account identifier is required")
	}

	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints(false)
	}

	if cfg.Classifier == nil {
		cfg.Classifier = cloud.NewClassifier()
	}

	if cfg.Encoder == nil {
		cfg.Encoder = srp.NewEncoder()
	}

	if cfg.MaxCredentialAttempts <= 0 {
		cfg.MaxCredentialAttempts = DefaultMaxCredentialAttempts
	}

	if cfg.Policy == nil {
		cfg.Policy = retry.NoRetry{}
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "auth-" + uuid.NewString()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Redactor == nil {
		cfg.Redactor = cloud.NewRedactor(0)
	}

	return &Machine{
		identifier:      id,
		endpoints:       cfg.Endpoints,
		transport:       cfg.Transport,
		classifier:      cfg.Classifier,
		encoder:         cfg.Encoder,
		store:           cfg.Store,
		saveCredential:  cfg.SaveCredential,
		maxAttempts:     cfg.MaxCredentialAttempts,
		policy:          cfg.Policy,
		random:          cfg.Random,
		clientID:        cfg.ClientID,
		onSessionChange: cfg.OnSessionChange,
		logger:          cfg.Logger,
		redactor:        cfg.Redactor,
		guard:           semaphore.NewWeighted(1),
	}, nil
}

// Identifier returns the normalized account identifier.
func (m *Machine) Identifier() string { return m.identifier }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// IsAuthenticated reports whether API calls can be made.
func (m *Machine) IsAuthenticated() bool {
	return m.State().Phase == Authenticated
}

// RequiresTwoFactor reports whether a trusted-device code is awaited.
func (m *Machine) RequiresTwoFactor() bool {
	s := m.State()
	return s.Phase == ChallengePending && s.Challenge == TwoFactor
}

// RequiresTwoStep reports whether a device-delivered code is awaited.
func (m *Machine) RequiresTwoStep() bool {
	s := m.State()
	return s.Phase == ChallengePending && s.Challenge == TwoStep
}

// IsTrustedSession reports whether the service marked this browser session
// as trusted.
func (m *Machine) IsTrustedSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.account != nil && m.account.HSATrustedBrowser
}

// Account returns what the service reported about the account.
func (m *Machine) Account() AccountInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.account == nil {
		return AccountInfo{}
	}

	return m.account.info()
}

// Session returns a copy of the session record.
func (m *Machine) Session() SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session.Clone()
}

// RestoreSession seeds the machine with a persisted record. The next
// Authenticate validates it before trusting it.
func (m *Machine) RestoreSession(rec SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = rec.Clone()
	m.state = State{Phase: Unauthenticated}
}

// Invalidate drops the session token and its continuation headers. The
// trust token is kept so the next handshake can skip the challenge.
func (m *Machine) Invalidate() {
	m.mu.Lock()
	m.session.SessionToken = ""
	m.session.SessionID = ""
	m.session.SequenceToken = ""
	m.state = State{Phase: Unauthenticated}
	rec := m.session.Clone()
	m.mu.Unlock()

	m.logger.Info("session invalidated", slog.String("account", m.redactor.Identifier(m.identifier)))
	m.notify(rec)
}

// UseSecret caches secret in memory for subsequent handshakes. The caller
// may wipe its copy.
func (m *Machine) UseSecret(secret []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wipe(m.secret)
	m.secret = append([]byte(nil), secret...)
}

// ResetCredentialAttempts clears the rejected-secret counter so that
// Authenticate talks to the network again after exhaustion.
func (m *Machine) ResetCredentialAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = 0

	if m.state.Phase == Failed {
		m.state = State{Phase: Unauthenticated}
	}
}

// RemainingCredentialAttempts reports how many more rejected secrets are
// tolerated before exhaustion.
func (m *Machine) RemainingCredentialAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return max(0, m.maxAttempts-m.failures)
}

// ServiceHeaders returns the headers every service call carries.
func (m *Machine) ServiceHeaders() http.Header {
	return m.endpoints.baseHeaders()
}

// WithClientParams appends the client identification query parameters
// (build numbers, client id, dsid) to rawURL.
func (m *Machine) WithClientParams(rawURL string) string {
	return withClientParams(rawURL, m.clientID, m.Session().DSID)
}

// Authenticate brings the machine to Authenticated or ChallengePending.
// Unless forceRefresh is set a stored session token is tried first; when
// targetService is set and the account allows one-factor launch of that
// service, a service-scoped login is tried before the full handshake.
// A pending challenge is a state, not an error: Authenticate returns nil.
func (m *Machine) Authenticate(ctx context.Context, forceRefresh bool, targetService string) error {
	if !m.guard.TryAcquire(1) {
		return cloud.NewSemanticError(cloud.CodeAuthInProgress, "another authentication is in progress", nil)
	}
	defer m.guard.Release(1)

	if err := m.exhausted(); err != nil {
		return err
	}

	m.logger.Debug("authenticating",
		slog.String("account", m.redactor.Identifier(m.identifier)),
		slog.Bool("force_refresh", forceRefresh),
		slog.String("service", targetService),
	)

	if !forceRefresh && !m.Session().Empty() {
		m.setState(State{Phase: ValidatingToken})

		data, err := m.validateToken(ctx)
		if err == nil {
			return m.accept(data)
		}

		if errors.Is(err, cloud.ErrCanceled) {
			return m.fail(err)
		}

		m.logger.Debug("stored session token rejected, trying token login", slog.String("error", err.Error()))

		data, err = m.tokenLogin(ctx)
		if err == nil {
			return m.accept(data)
		}

		if errors.Is(err, cloud.ErrCanceled) {
			return m.fail(err)
		}

		m.logger.Info("session token expired, signing in from scratch")
	}

	if targetService != "" {
		if data, ok := m.serviceLogin(ctx, targetService); ok {
			return m.accept(data)
		}
	}

	return m.handshake(ctx)
}

// Logout ends the session on the server when one exists and clears every
// token, including the trust token.
func (m *Machine) Logout(ctx context.Context, allBrowsers bool) error {
	if !m.guard.TryAcquire(1) {
		return cloud.NewSemanticError(cloud.CodeAuthInProgress, "another authentication is in progress", nil)
	}
	defer m.guard.Release(1)

	var err error

	if !m.Session().Empty() {
		body, _ := json.Marshal(map[string]bool{"trustBrowser": true, "allBrowsers": allBrowsers})

		_, err = m.do(ctx, request{
			name:   "setup.logout",
			method: http.MethodPost,
			url:    m.WithClientParams(m.endpoints.setupURL("/logout")),
			header: m.endpoints.baseHeaders(),
			body:   body,
		})
		if err != nil {
			m.logger.Warn("server logout failed, clearing local session anyway", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	m.session = SessionRecord{}
	m.account = nil
	m.state = State{Phase: Unauthenticated}
	wipe(m.secret)
	m.secret = nil
	m.mu.Unlock()

	m.notify(SessionRecord{})

	return err
}

func (m *Machine) validateToken(ctx context.Context) (*accountData, error) {
	resp, err := m.do(ctx, request{
		name:   "setup.validate",
		method: http.MethodPost,
		url:    m.WithClientParams(m.endpoints.setupURL("/validate")),
		header: m.endpoints.baseHeaders(),
		body:   []byte("null"),
	})
	if err != nil {
		return nil, err
	}

	return parseAccountData(resp.Body)
}

// tokenLogin exchanges the session token for account data and the service
// endpoint map.
func (m *Machine) tokenLogin(ctx context.Context) (*accountData, error) {
	rec := m.Session()
	if rec.SessionToken == "" {
		return nil, cloud.NewAuthError(cloud.CodeSessionInvalid, "no session token to log in with", nil)
	}

	body, err := json.Marshal(tokenLoginRequest{
		AccountCountryCode: rec.AccountCountry,
		DSWebAuthToken:     rec.SessionToken,
		ExtendedLogin:      true,
		TrustToken:         rec.TrustToken,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: encoding token login: %w", err)
	}

	resp, err := m.do(ctx, request{
		name:   "setup.accountLogin",
		method: http.MethodPost,
		url:    m.WithClientParams(m.endpoints.setupURL("/accountLogin")),
		header: m.endpoints.baseHeaders(),
		body:   body,
	})
	if err != nil {
		return nil, err
	}

	return parseAccountData(resp.Body)
}

// serviceLogin tries the one-factor login some services allow. Failure is
// silent: the caller falls through to the handshake.
func (m *Machine) serviceLogin(ctx context.Context, service string) (*accountData, bool) {
	m.mu.Lock()
	known := m.account
	m.mu.Unlock()

	if known == nil || !known.canLaunchWithOneFactor(service) {
		return nil, false
	}

	cred, _, err := m.credential(ctx)
	if err != nil {
		m.logger.Debug("no credential for service login", slog.String("service", service))
		return nil, false
	}
	defer cred.Wipe()

	body, err := json.Marshal(serviceLoginRequest{
		AppName:  service,
		AppleID:  cred.Identifier,
		Password: string(cred.Secret),
	})
	if err != nil {
		return nil, false
	}

	resp, err := m.do(ctx, request{
		name:   "setup.accountLogin.service",
		method: http.MethodPost,
		url:    m.WithClientParams(m.endpoints.setupURL("/accountLogin")),
		header: m.endpoints.baseHeaders(),
		body:   body,
	})
	if err != nil {
		m.logger.Debug("service login failed, falling back to handshake",
			slog.String("service", service),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	data, err := parseAccountData(resp.Body)
	if err != nil {
		return nil, false
	}

	return data, true
}

// handshake runs signin/init and signin/complete, then the token login.
func (m *Machine) handshake(ctx context.Context) error {
	m.setState(State{Phase: Handshaking})

	cred, fromStore, err := m.credential(ctx)
	if err != nil {
		return m.fail(err)
	}
	defer cred.Wipe()

	client, err := srp.NewClient(m.random)
	if err != nil {
		return m.fail(cloud.NewConfigError(cloud.CodeInvalidState, "cannot create handshake key", err))
	}

	initBody, err := json.Marshal(initRequest{
		A:           base64.StdEncoding.EncodeToString(client.PublicKey()),
		AccountName: cred.Identifier,
		Protocols:   srp.Protocols,
	})
	if err != nil {
		return m.fail(fmt.Errorf("auth: encoding signin init: %w", err))
	}

	resp, err := m.do(ctx, request{
		name:   "signin.init",
		method: http.MethodPost,
		url:    m.endpoints.authURL("/signin/init"),
		header: m.endpoints.authHeaders(m.clientID, m.Session()),
		body:   initBody,
	})
	if err != nil {
		return m.rejected(ctx, err, fromStore)
	}

	var ch initResponse
	if err := json.Unmarshal(resp.Body, &ch); err != nil {
		return m.fail(malformed("signin init response", err))
	}

	salt, errSalt := base64.StdEncoding.DecodeString(ch.Salt)
	serverKey, errB := base64.StdEncoding.DecodeString(ch.B)

	if err := errors.Join(errSalt, errB); err != nil {
		return m.fail(malformed("signin init salt or server key", err))
	}

	params := srp.NewHandshakeParameters(salt, ch.Iteration, derivedKeyLength, ch.Protocol)

	key, err := m.encoder.Encode(cred, params)
	if err != nil {
		if errors.Is(err, srp.ErrInvalidCredential) {
			return m.fail(cloud.NewSemanticError(cloud.CodeInvalidCredential, "secret is empty", nil).WithCause(err))
		}

		return m.fail(malformed("handshake parameters", err))
	}

	proof, err := client.Proof(cred.Identifier, key, salt, serverKey)
	wipe(key)

	if err != nil {
		return m.fail(malformed("server public key", err))
	}

	rec := m.Session()
	trustTokens := []string{}

	if rec.TrustToken != "" {
		trustTokens = append(trustTokens, rec.TrustToken)
	}

	completeBody, err := json.Marshal(completeRequest{
		AccountName: cred.Identifier,
		C:           ch.C,
		M1:          base64.StdEncoding.EncodeToString(proof.M1),
		M2:          base64.StdEncoding.EncodeToString(proof.M2),
		RememberMe:  true,
		TrustTokens: trustTokens,
	})
	if err != nil {
		return m.fail(fmt.Errorf("auth: encoding signin complete: %w", err))
	}

	_, err = m.do(ctx, request{
		name:   "signin.complete",
		method: http.MethodPost,
		url:    m.endpoints.authURL("/signin/complete?isRememberMeEnabled=true"),
		header: m.endpoints.authHeaders(m.clientID, rec),
		body:   completeBody,
		// 409 means the proof was accepted and a challenge is pending.
		accept: http.StatusConflict,
	})
	if err != nil {
		return m.rejected(ctx, err, fromStore)
	}

	m.credentialAccepted(ctx, cred, fromStore)

	data, err := m.tokenLogin(ctx)
	if err != nil {
		return m.fail(err)
	}

	return m.accept(data)
}

// credential returns the secret to authenticate with: the cached one first,
// then the store unless the stored secret was already rejected.
func (m *Machine) credential(ctx context.Context) (srp.Credential, bool, error) {
	m.mu.Lock()
	if len(m.secret) > 0 {
		cred := srp.NewCredential(m.identifier, m.secret)
		m.mu.Unlock()

		return cred, false, nil
	}

	rejected := m.storeRejected
	m.mu.Unlock()

	if m.store != nil && !rejected {
		secret, err := m.store.Load(ctx, m.identifier)
		if err != nil {
			m.logger.Warn("loading stored credential failed", slog.String("error", err.Error()))
		} else if len(secret) > 0 {
			cred := srp.NewCredential(m.identifier, secret)
			wipe(secret)

			return cred, true, nil
		}
	}

	return srp.Credential{}, false, cloud.NewSemanticError(cloud.CodeCredentialRequired,
		"a password is required to sign in", map[string]string{"hint": "run the login command"})
}

func (m *Machine) credentialAccepted(ctx context.Context, cred srp.Credential, fromStore bool) {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()

	if fromStore || !m.saveCredential || m.store == nil {
		return
	}

	if err := m.store.Save(ctx, m.identifier, cred.Secret); err != nil {
		m.logger.Warn("saving credential failed", slog.String("error", err.Error()))
		return
	}

	m.logger.Debug("credential saved", slog.String("account", m.redactor.Identifier(m.identifier)))
}

// rejected handles a failed handshake round trip. Only BadCredentials
// counts against the credential budget.
func (m *Machine) rejected(ctx context.Context, err error, fromStore bool) error {
	ce, ok := cloud.AsCloudError(err)
	if !ok || ce.Code() != cloud.CodeBadCredentials {
		return m.fail(err)
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	wipe(m.secret)
	m.secret = nil

	if fromStore {
		m.storeRejected = true
	}

	storeRejected := m.storeRejected
	m.mu.Unlock()

	remaining := m.maxAttempts - failures

	m.logger.Warn("credential rejected",
		slog.String("account", m.redactor.Identifier(m.identifier)),
		slog.Int("remaining_attempts", max(0, remaining)),
	)

	if remaining > 0 {
		m.setState(failed(cloud.CodeBadCredentials))
		return ce.WithRemainingAttempts(remaining)
	}

	if storeRejected && m.store != nil {
		if delErr := m.store.Delete(ctx, m.identifier); delErr != nil {
			m.logger.Warn("deleting rejected credential failed", slog.String("error", delErr.Error()))
		}
	}

	m.setState(failed(cloud.CodeExhaustedCredentialAttempts))

	return m.exhaustedError().WithCause(ce)
}

// exhausted returns the exhaustion error without touching the network when
// the credential budget is spent.
func (m *Machine) exhausted() error {
	m.mu.Lock()
	spent := m.failures >= m.maxAttempts
	m.mu.Unlock()

	if !spent {
		return nil
	}

	return m.exhaustedError()
}

func (m *Machine) exhaustedError() *cloud.CloudError {
	return cloud.NewSemanticError(cloud.CodeExhaustedCredentialAttempts,
		fmt.Sprintf("password rejected %d times in a row", m.maxAttempts),
		map[string]string{"hint": "check the account password, then run login again"},
	).WithRemainingAttempts(0)
}

// accept applies account data: endpoints, dsid and the challenge decision.
func (m *Machine) accept(data *accountData) error {
	return m.acceptKind(data, data.challenge())
}

// acceptVerified is accept for account data fetched right after a code was
// accepted.
func (m *Machine) acceptVerified(data *accountData) error {
	return m.acceptKind(data, data.challengeAfterCode())
}

func (m *Machine) acceptKind(data *accountData, kind ChallengeKind) error {
	m.mu.Lock()
	m.account = data
	m.session.DSID = data.DSInfo.DSID

	if eps := data.endpoints(); len(eps) > 0 {
		m.session.ServiceEndpoints = eps
	}

	if kind == NoChallenge {
		m.state = State{Phase: Authenticated}
	} else {
		if m.state.Phase != ChallengePending {
			m.codeFailures = 0
		}

		m.state = pending(kind)
	}

	state := m.state
	rec := m.session.Clone()
	m.mu.Unlock()

	m.logger.Info("authentication state changed",
		slog.String("account", m.redactor.Identifier(m.identifier)),
		slog.String("state", state.String()),
		slog.String("session_token", m.redactor.Token(rec.SessionToken)),
	)

	m.notify(rec)

	return nil
}

// fail records a terminal failure and returns err unchanged.
func (m *Machine) fail(err error) error {
	code := cloud.CodeAPIError
	if ce, ok := cloud.AsCloudError(err); ok {
		code = ce.Code()
	}

	m.setState(failed(code))
	m.logger.Debug("authentication failed", slog.String("code", string(code)), slog.String("error", err.Error()))

	return err
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = s
}

func (m *Machine) notify(rec SessionRecord) {
	if m.onSessionChange != nil {
		m.onSessionChange(rec)
	}
}

// request is one auth round trip.
type request struct {
	name   string
	method string
	url    string
	header http.Header
	body   []byte
	// accept is a non-2xx status to treat as success.
	accept int
}

// do sends r under the machine's policy and captures session headers from
// the response.
func (m *Machine) do(ctx context.Context, r request) (*cloud.Response, error) {
	pc := retry.NewPolicyContext(cloud.Operation{Name: r.name, Method: r.method, Endpoint: r.url}, r.url)

	var resp *cloud.Response

	_, err := m.policy.Execute(ctx, pc, func(ctx context.Context) ([]byte, error) {
		res, sendErr := m.transport.Send(ctx, &cloud.Request{
			Method: r.method,
			URL:    r.url,
			Header: r.header,
			Body:   r.body,
		})

		if sendErr == nil && r.accept != 0 && res.StatusCode == r.accept {
			resp = res
			return res.Body, nil
		}

		if ce := m.classifier.Classify(cloud.FromResponse(res, sendErr)); ce != nil {
			return nil, ce
		}

		resp = res

		return res.Body, nil
	})
	if err != nil {
		m.logger.Debug("auth request failed", slog.String("request", r.name), slog.String("error", err.Error()))
		return nil, err
	}

	m.mu.Lock()
	m.session.capture(resp.Header)
	m.mu.Unlock()

	return resp, nil
}

func malformed(what string, err error) *cloud.CloudError {
	return cloud.NewSemanticError(cloud.CodeMalformedResponse, "unusable "+what, nil).WithCause(err)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type initRequest struct {
	A           string   `json:"a"`
	AccountName string   `json:"accountName"`
	Protocols   []string `json:"protocols"`
}

type initResponse struct {
	Iteration int    `json:"iteration"`
	Salt      string `json:"salt"`
	Protocol  string `json:"protocol"`
	B         string `json:"b"`
	C         string `json:"c"`
}

type completeRequest struct {
	AccountName string   `json:"accountName"`
	C           string   `json:"c"`
	M1          string   `json:"m1"`
	M2          string   `json:"m2"`
	RememberMe  bool     `json:"rememberMe"`
	TrustTokens []string `json:"trustTokens"`
}

type tokenLoginRequest struct {
	AccountCountryCode string `json:"accountCountryCode"`
	DSWebAuthToken     string `json:"dsWebAuthToken"`
	ExtendedLogin      bool   `json:"extended_login"`
	TrustToken         string `json:"trustToken"`
}

type serviceLoginRequest struct {
	AppName  string `json:"appName"`
	AppleID  string `json:"apple_id"`
	Password string `json:"password"`
}
