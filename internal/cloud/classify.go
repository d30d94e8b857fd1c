package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Domain error codes and reasons returned by the account service.
const (
	domainCodeBadCredentials = "-20101"
	// DomainCodeWrongVerificationCode is returned for a rejected one-time code.
	DomainCodeWrongVerificationCode = "-21669"

	reasonZoneNotFound        = "ZONE_NOT_FOUND"
	reasonAuthenticationFail  = "AUTHENTICATION_FAILED"
	reasonAccessDenied        = "ACCESS_DENIED"
	reasonMissingWebAuthToken = "Missing X-APPLE-WEBAUTH-TOKEN cookie"
)

// Non-standard statuses the service uses to demand re-authentication.
const (
	statusMisdirected  = 421
	statusAuthRequired = 450
)

const serviceNotActivatedHint = "log in at https://www.icloud.com/, accept any pending terms and " +
	"finish the initial iCloud setup, then try again"

const rateLimitHint = "wait a few minutes then try again; the service is throttling requests"

// RawFailure is the unclassified outcome of one transport round trip:
// either Err is set (no response) or StatusCode/Header/Body describe the
// response.
type RawFailure struct {
	Err        error
	StatusCode int
	Header     http.Header
	Body       []byte
}

// FromResponse builds a RawFailure from a transport result.
func FromResponse(resp *Response, err error) RawFailure {
	if err != nil {
		return RawFailure{Err: err}
	}

	return RawFailure{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
}

// Classifier maps raw failures to CloudErrors. Classify is a pure function
// of its input and the clock, which is read only to turn an HTTP-date
// Retry-After into a delay.
type Classifier struct {
	now func() time.Time
}

// NewClassifier returns a Classifier reading the wall clock.
func NewClassifier() *Classifier {
	return &Classifier{now: time.Now}
}

// NewClassifierWithClock returns a Classifier that reads now instead of the
// wall clock.
func NewClassifierWithClock(now func() time.Time) *Classifier {
	return &Classifier{now: now}
}

func (c *Classifier) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}

	return c.now()
}

// Classify returns nil when f describes a successful response.
func (c *Classifier) Classify(f RawFailure) *CloudError {
	if f.Err != nil {
		return classifyTransport(f.Err)
	}

	payload, parsed := ParsePayload(f.Body)

	switch {
	case f.StatusCode == http.StatusUnauthorized || f.StatusCode == http.StatusForbidden ||
		f.StatusCode == statusMisdirected || f.StatusCode == statusAuthRequired:
		return classifyAuth(f.StatusCode, payload, parsed)

	case f.StatusCode == http.StatusTooManyRequests:
		return NewRetryableSemanticError("rate limited", payloadDetails(payload, rateLimitHint),
			parseRetryAfter(f.Header, c.clock())).WithStatus(f.StatusCode)

	case f.StatusCode >= http.StatusInternalServerError:
		if parsed {
			return NewRetryableSemanticError("service temporarily unavailable", payloadDetails(payload, ""),
				parseRetryAfter(f.Header, c.clock())).WithStatus(f.StatusCode)
		}

		return NewTransportError(CodeServerUnavailable, "server error without a service payload", nil).
			WithStatus(f.StatusCode)

	case f.StatusCode >= http.StatusBadRequest:
		if parsed && payload.HasError() {
			if ce := classifyPayload(payload); ce.Code() != CodeAPIError {
				return ce.WithStatus(f.StatusCode)
			}
		}

		return NewSemanticError(CodeRequestRejected, "request rejected", payloadDetails(payload, "")).
			WithStatus(f.StatusCode)

	case f.StatusCode < http.StatusOK || f.StatusCode >= http.StatusMultipleChoices:
		// 1xx/3xx leak through only when redirects are disabled.
		return NewSemanticError(CodeRequestRejected, "unexpected status", nil).WithStatus(f.StatusCode)
	}

	if parsed && payload.HasError() {
		return classifyPayload(payload).WithStatus(f.StatusCode)
	}

	return nil
}

func classifyTransport(err error) *CloudError {
	switch {
	case errors.Is(err, context.Canceled):
		return NewConfigError(CodeCanceled, "request canceled", err)
	case errors.Is(err, ErrInvalidRequest):
		return NewConfigError(CodeUnsupportedOperation, "request could not be built", err)
	case errors.Is(err, ErrResponseTooLarge):
		return NewSemanticError(CodeMalformedResponse, "response body too large", nil).WithCause(err)
	}

	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.As(err, &dnsErr):
		return NewTransportError(CodeNetworkError, "DNS lookup failed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransportError(CodeNetworkError, "request timed out", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return NewTransportError(CodeNetworkError, "request timed out", err)
	default:
		return NewTransportError(CodeNetworkError, "connection failed", err)
	}
}

func classifyAuth(status int, payload Payload, parsed bool) *CloudError {
	if parsed && payload.Code() == domainCodeBadCredentials {
		return NewAuthError(CodeBadCredentials, "account name or password was incorrect",
			payloadDetails(payload, "")).WithStatus(status)
	}

	return NewAuthError(CodeSessionInvalid, "authentication required", payloadDetails(payload, "")).
		WithStatus(status)
}

// classifyPayload maps a domain error reported inside a response body.
func classifyPayload(p Payload) *CloudError {
	code := p.Code()
	msg := p.Message()

	switch {
	case code == domainCodeBadCredentials:
		return NewAuthError(CodeBadCredentials, "account name or password was incorrect", payloadDetails(p, ""))
	case code == reasonZoneNotFound || code == reasonAuthenticationFail || msg == reasonMissingWebAuthToken:
		return NewSemanticError(CodeServiceNotActivated, "service is not activated for this account",
			payloadDetails(p, serviceNotActivatedHint))
	case code == reasonAccessDenied:
		return NewRetryableSemanticError("access denied by throttling", payloadDetails(p, rateLimitHint), 0)
	}

	if msg == "" {
		msg = "unknown reason"
	}

	return NewSemanticError(CodeAPIError, msg, payloadDetails(p, ""))
}

func payloadDetails(p Payload, hint string) map[string]string {
	d := make(map[string]string, 3)

	if c := p.Code(); c != "" {
		d["code"] = c
	}

	if m := p.Message(); m != "" {
		d["message"] = m
	}

	if hint != "" {
		d["hint"] = hint
	}

	return d
}

// parseRetryAfter reads Retry-After as delta-seconds or an HTTP date
// relative to now.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	ra := h.Get("Retry-After")
	if ra == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}

// ServiceError is one entry of the service's error list.
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Payload is the subset of a service response body that reports errors.
type Payload struct {
	Success          *bool           `json:"success"`
	Error            json.RawMessage `json:"error"`
	Reason           string          `json:"reason"`
	ErrorMessage     string          `json:"errorMessage"`
	ErrorCode        json.RawMessage `json:"errorCode"`
	ServerErrorCode  json.RawMessage `json:"serverErrorCode"`
	ServiceErrors    []ServiceError  `json:"serviceErrors"`
	ServiceErrorsAlt []ServiceError  `json:"service_errors"`
}

// ParsePayload decodes body as a JSON object. ok is false for empty bodies,
// arrays, HTML error pages and anything else that is not a domain payload.
func ParsePayload(body []byte) (Payload, bool) {
	var p Payload

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return p, false
	}

	if err := json.Unmarshal(trimmed, &p); err != nil {
		return Payload{}, false
	}

	return p, true
}

func (p Payload) serviceErrors() []ServiceError {
	if len(p.ServiceErrors) > 0 {
		return p.ServiceErrors
	}

	return p.ServiceErrorsAlt
}

// HasError reports whether the payload describes a failure.
func (p Payload) HasError() bool {
	if p.ErrorMessage != "" || p.Reason != "" || len(p.serviceErrors()) > 0 {
		return true
	}

	if p.Success != nil && !*p.Success {
		return true
	}

	return truthy(p.Error)
}

// Code returns the first error code found in the payload.
func (p Payload) Code() string {
	if errs := p.serviceErrors(); len(errs) > 0 && errs[0].Code != "" {
		return errs[0].Code
	}

	if c := rawString(p.ErrorCode); c != "" {
		return c
	}

	return rawString(p.ServerErrorCode)
}

// Message returns the most specific human-readable message in the payload.
func (p Payload) Message() string {
	if errs := p.serviceErrors(); len(errs) > 0 && errs[0].Message != "" {
		return errs[0].Message
	}

	if p.ErrorMessage != "" {
		return p.ErrorMessage
	}

	if p.Reason != "" {
		return p.Reason
	}

	if s := rawString(p.Error); s != "" && s != "true" && s != "1" {
		return s
	}

	return ""
}

// rawString renders a JSON scalar (string or number) as a plain string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return strings.TrimSpace(string(raw))
}

func truthy(raw json.RawMessage) bool {
	switch s := rawString(raw); s {
	case "", "false", "0":
		return false
	default:
		return true
	}
}
