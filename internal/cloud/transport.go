package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
)

// ErrInvalidRequest marks failures to even build a request (bad method,
// unparseable URL). The classifier treats it as a non-retryable config bug.
var ErrInvalidRequest = errors.New("cloud: invalid request")

// ErrResponseTooLarge marks a response body over the buffering limit.
var ErrResponseTooLarge = errors.New("cloud: response body too large")

// maxResponseBytes bounds how much of a response body is buffered.
const maxResponseBytes = 32 << 20

// Request is one transport round trip. Body is fully buffered so an attempt
// can be replayed by the retry layer without rewinding readers.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs exactly one round trip. It never retries; an error
// return means no response was obtained.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport is the net/http implementation of Transport. Its cookie jar
// keeps the service's web-auth cookies for the lifetime of the process.
type HTTPTransport struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	maxBody    int64
}

// NewHTTPTransport wraps httpClient. A nil client gets a fresh one with a
// cookie jar; deadlines come from httpClient.Timeout.
func NewHTTPTransport(httpClient *http.Client, userAgent string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}

	if httpClient.Jar == nil {
		// cookiejar.New only fails on a non-nil PublicSuffixList error.
		jar, _ := cookiejar.New(nil)
		httpClient.Jar = jar
	}

	return &HTTPTransport{httpClient: httpClient, userAgent: userAgent, logger: logger, maxBody: maxResponseBytes}
}

// Send executes req once.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if t.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if int64(len(data)) > t.maxBody {
		return nil, fmt.Errorf("%w: %s returned more than %d bytes", ErrResponseTooLarge, httpReq.URL.Redacted(), t.maxBody)
	}

	t.logger.Debug("transport round trip",
		slog.String("method", req.Method),
		slog.String("url", httpReq.URL.Redacted()),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(data)),
	)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
