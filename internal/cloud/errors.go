// Package cloud holds the types shared by every layer of the client: the
// CloudError taxonomy, the error classifier, operation descriptors, and the
// transport seam. It is a leaf package with no internal imports.
package cloud

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// Category separates failures below the application protocol
// (CategoryTransport) from application-level responses (CategorySemantic).
type Category int

const (
	// Transport errors originate in connectivity or request construction.
	CategoryTransport Category = iota
	// Semantic errors are application responses: status codes and payloads.
	CategorySemantic
)

func (c Category) String() string {
	if c == CategorySemantic {
		return "semantic"
	}

	return "transport"
}

// Code identifies the kind of failure independently of its category.
type Code string

// Error codes. TwoFactorRequired/TwoStepRequired are not here on purpose:
// pending challenges are reported as authentication states.
const (
	CodeBadCredentials              Code = "BadCredentials"
	CodeExhaustedCredentialAttempts Code = "ExhaustedCredentialAttempts"
	CodeCredentialRequired          Code = "CredentialRequired"
	CodeInvalidCredential           Code = "InvalidCredential"
	CodeServiceNotActivated         Code = "ServiceNotActivated"
	CodeNetworkError                Code = "NetworkError"
	CodeServerUnavailable           Code = "ServerUnavailable"
	CodeRateLimited                 Code = "RateLimitedOrUnavailable"
	CodeUnsupportedOperation        Code = "UnsupportedOperation"
	CodeSessionInvalid              Code = "SessionInvalid"
	CodeRequestRejected             Code = "RequestRejected"
	CodeAPIError                    Code = "APIError"
	CodeMalformedResponse           Code = "MalformedResponse"
	CodeChallengePending            Code = "ChallengePending"
	CodeChallengeAbandoned          Code = "ChallengeAbandoned"
	CodeInvalidState                Code = "InvalidState"
	CodeAuthInProgress              Code = "AuthInProgress"
	CodeCanceled                    Code = "Canceled"
)

// Sentinel errors, one per code. Use errors.Is(err, cloud.ErrBadCredentials).
var (
	ErrBadCredentials              = errors.New("cloud: bad credentials")
	ErrExhaustedCredentialAttempts = errors.New("cloud: credential attempts exhausted")
	ErrCredentialRequired          = errors.New("cloud: credential required")
	ErrInvalidCredential           = errors.New("cloud: invalid credential")
	ErrServiceNotActivated         = errors.New("cloud: service not activated")
	ErrNetwork                     = errors.New("cloud: network error")
	ErrServerUnavailable           = errors.New("cloud: server unavailable")
	ErrRateLimited                 = errors.New("cloud: rate limited or unavailable")
	ErrUnsupportedOperation        = errors.New("cloud: unsupported operation")
	ErrSessionInvalid              = errors.New("cloud: session invalid")
	ErrRequestRejected             = errors.New("cloud: request rejected")
	ErrAPI                         = errors.New("cloud: api error")
	ErrMalformedResponse           = errors.New("cloud: malformed response")
	ErrChallengePending            = errors.New("cloud: authentication challenge pending")
	ErrChallengeAbandoned          = errors.New("cloud: challenge abandoned")
	ErrInvalidState                = errors.New("cloud: invalid state")
	ErrAuthInProgress              = errors.New("cloud: authentication already in progress")
	ErrCanceled                    = errors.New("cloud: canceled")
)

var sentinels = map[Code]error{
	CodeBadCredentials:              ErrBadCredentials,
	CodeExhaustedCredentialAttempts: ErrExhaustedCredentialAttempts,
	CodeCredentialRequired:          ErrCredentialRequired,
	CodeInvalidCredential:           ErrInvalidCredential,
	CodeServiceNotActivated:         ErrServiceNotActivated,
	CodeNetworkError:                ErrNetwork,
	CodeServerUnavailable:           ErrServerUnavailable,
	CodeRateLimited:                 ErrRateLimited,
	CodeUnsupportedOperation:        ErrUnsupportedOperation,
	CodeSessionInvalid:              ErrSessionInvalid,
	CodeRequestRejected:             ErrRequestRejected,
	CodeAPIError:                    ErrAPI,
	CodeMalformedResponse:           ErrMalformedResponse,
	CodeChallengePending:            ErrChallengePending,
	CodeChallengeAbandoned:          ErrChallengeAbandoned,
	CodeInvalidState:                ErrInvalidState,
	CodeAuthInProgress:              ErrAuthInProgress,
	CodeCanceled:                    ErrCanceled,
}

// CloudError is the single error type produced by the classifier and the
// authentication layer. Fields are unexported so that category and
// retryability can only be combined through the factory functions below.
type CloudError struct {
	code        Code
	category    Category
	message     string
	details     map[string]string
	retryable   bool
	invalidates bool
	statusCode  int
	retryAfter  time.Duration
	remaining   int
	attempts    int
	cause       error
}

// NewTransportError builds a retryable transport failure (connection reset,
// timeout, DNS, gateway garbage).
func NewTransportError(code Code, message string, cause error) *CloudError {
	return &CloudError{code: code, category: CategoryTransport, message: message, retryable: true, cause: cause, remaining: -1}
}

// NewConfigError builds a non-retryable transport-category error for
// configuration bugs (unknown operations, unparseable methods or URLs) and
// for caller cancellation.
func NewConfigError(code Code, message string, cause error) *CloudError {
	return &CloudError{code: code, category: CategoryTransport, message: message, cause: cause, remaining: -1}
}

// NewSemanticError builds a non-retryable application-level error.
func NewSemanticError(code Code, message string, details map[string]string) *CloudError {
	return &CloudError{code: code, category: CategorySemantic, message: message, details: maps.Clone(details), remaining: -1}
}

// NewRetryableSemanticError builds the one semantic error that is retried:
// the server told us to slow down or is temporarily busy.
func NewRetryableSemanticError(message string, details map[string]string, retryAfter time.Duration) *CloudError {
	return &CloudError{
		code:       CodeRateLimited,
		category:   CategorySemantic,
		message:    message,
		details:    maps.Clone(details),
		retryable:  true,
		retryAfter: retryAfter,
		remaining:  -1,
	}
}

// NewAuthError builds a non-retryable semantic error that also tells the
// request pipeline to drop the current session.
func NewAuthError(code Code, message string, details map[string]string) *CloudError {
	e := NewSemanticError(code, message, details)
	e.invalidates = true

	return e
}

func (e *CloudError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.code, e.message)

	if e.statusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.statusCode)
	}

	if e.attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.attempts)
	}

	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}

	return msg
}

// Unwrap exposes the code sentinel and the underlying cause to errors.Is/As.
func (e *CloudError) Unwrap() []error {
	errs := make([]error, 0, 2)

	if s, ok := sentinels[e.code]; ok {
		errs = append(errs, s)
	}

	if e.cause != nil {
		errs = append(errs, e.cause)
	}

	return errs
}

func (e *CloudError) Code() Code { return e.code }
func (e *CloudError) Category() Category { return e.category }
func (e *CloudError) Message() string { return e.message }
func (e *CloudError) Retryable() bool { return e.retryable }
func (e *CloudError) InvalidatesSession() bool { return e.invalidates }
func (e *CloudError) StatusCode() int { return e.statusCode }
func (e *CloudError) RetryAfter() time.Duration { return e.retryAfter }
func (e *CloudError) Attempts() int { return e.attempts }
func (e *CloudError) Details() map[string]string { return maps.Clone(e.details) }
func (e *CloudError) Hint() string { return e.details["hint"] }

// RemainingAttempts reports how many credential attempts are left, or -1
// when the error is not about credentials.
func (e *CloudError) RemainingAttempts() int { return e.remaining }

// WithStatus returns a copy carrying the HTTP status code.
func (e *CloudError) WithStatus(code int) *CloudError {
	c := *e
	c.statusCode = code

	return &c
}

// WithAttempts returns a copy annotated with the number of attempts made.
func (e *CloudError) WithAttempts(n int) *CloudError {
	c := *e
	c.attempts = n

	return &c
}

// WithRemainingAttempts returns a copy annotated with the number of
// credential attempts the caller has left.
func (e *CloudError) WithRemainingAttempts(n int) *CloudError {
	c := *e
	c.remaining = n

	return &c
}

// WithCause returns a copy wrapping cause.
func (e *CloudError) WithCause(cause error) *CloudError {
	c := *e
	c.cause = cause

	return &c
}

// AsCloudError extracts a *CloudError from err's chain.
func AsCloudError(err error) (*CloudError, bool) {
	var ce *CloudError
	if errors.As(err, &ce) {
		return ce, true
	}

	return nil, false
}
