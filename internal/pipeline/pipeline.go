// Package pipeline executes catalog operations: it ensures the account is
// authenticated, runs the call under its retry policy, and recovers once
// from a rejected session by re-authenticating.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/icloud-go/internal/auth"
	"github.com/tonimelisma/icloud-go/internal/cloud"
	"github.com/tonimelisma/icloud-go/internal/retry"
)

// Authenticator is the slice of auth.Machine the pipeline needs.
type Authenticator interface {
	Authenticate(ctx context.Context, forceRefresh bool, targetService string) error
	IsAuthenticated() bool
	State() auth.State
	Session() auth.SessionRecord
	Invalidate()
	ServiceHeaders() http.Header
	WithClientParams(rawURL string) string
}

// Config wires a Pipeline. Every field except Logger and Classifier is
// required.
type Config struct {
	Catalog    *Catalog
	Auth       Authenticator
	Transport  cloud.Transport
	Classifier *cloud.Classifier
	Policies   *retry.Registry
	Codec      Codec
	Logger     *slog.Logger
}

// Pipeline runs operations. It holds the auth machine; the machine never
// calls back into the pipeline.
type Pipeline struct {
	catalog    *Catalog
	auth       Authenticator
	transport  cloud.Transport
	classifier *cloud.Classifier
	policies   *retry.Registry
	codec      Codec
	logger     *slog.Logger
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	var errs []error

	if cfg.Catalog == nil {
		errs = append(errs, errors.New("catalog is required"))
	}

	if cfg.Auth == nil {
		errs = append(errs, errors.New("authenticator is required"))
	}

	if cfg.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}

	if cfg.Policies == nil {
		errs = append(errs, errors.New("policy registry is required"))
	}

	if cfg.Codec == nil {
		errs = append(errs, errors.New("codec is required"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("pipeline: %w", errors.Join(errs...))
	}

	if cfg.Classifier == nil {
		cfg.Classifier = cloud.NewClassifier()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		catalog:    cfg.Catalog,
		auth:       cfg.Auth,
		transport:  cfg.Transport,
		classifier: cfg.Classifier,
		policies:   cfg.Policies,
		codec:      cfg.Codec,
		logger:     cfg.Logger,
	}, nil
}

// Operations lists the operations this pipeline can invoke.
func (p *Pipeline) Operations() []cloud.Operation {
	return p.catalog.Operations()
}

// Invoke runs the named operation with params and returns the raw response
// body. For GET and DELETE, params must be nil, map[string]string or
// url.Values and become query parameters; other methods encode params with
// the codec.
func (p *Pipeline) Invoke(ctx context.Context, operationName string, params any) ([]byte, error) {
	op, ok := p.catalog.Lookup(operationName)
	if !ok {
		return nil, cloud.NewConfigError(cloud.CodeUnsupportedOperation,
			fmt.Sprintf("unknown operation %q", operationName), nil)
	}

	if proto := op.EffectiveProtocol(); proto != p.codec.Name() {
		return nil, cloud.NewConfigError(cloud.CodeUnsupportedOperation,
			fmt.Sprintf("operation %q uses protocol %q, only %q is available", op.Name, proto, p.codec.Name()), nil)
	}

	body, query, err := p.encode(op, params)
	if err != nil {
		return nil, err
	}

	if err := p.ensureAuthenticated(ctx, op); err != nil {
		return nil, err
	}

	data, err := p.run(ctx, op, body, query)
	if err == nil {
		return data, nil
	}

	ce, ok := cloud.AsCloudError(err)
	if !ok || !ce.InvalidatesSession() {
		return nil, err
	}

	// One recovery: invalidate, re-authenticate, run one more attempt set.
	p.logger.Info("session rejected, re-authenticating",
		slog.String("operation", op.Name),
		slog.String("code", string(ce.Code())),
	)

	p.auth.Invalidate()

	if authErr := p.auth.Authenticate(ctx, true, op.Service); authErr != nil {
		return nil, errors.Join(err, authErr)
	}

	if !p.auth.IsAuthenticated() {
		return nil, errors.Join(err, challengePending(p.auth.State()))
	}

	return p.run(ctx, op, body, query)
}

// InvokeInto runs Invoke and decodes the response into out.
func (p *Pipeline) InvokeInto(ctx context.Context, operationName string, params, out any) error {
	data, err := p.Invoke(ctx, operationName, params)
	if err != nil {
		return err
	}

	return p.codec.Decode(data, out)
}

func (p *Pipeline) ensureAuthenticated(ctx context.Context, op cloud.Operation) error {
	if p.auth.IsAuthenticated() {
		return nil
	}

	if s := p.auth.State(); s.Phase == auth.ChallengePending {
		return challengePending(s)
	}

	if err := p.auth.Authenticate(ctx, false, op.Service); err != nil {
		return err
	}

	if !p.auth.IsAuthenticated() {
		return challengePending(p.auth.State())
	}

	return nil
}

// run executes one attempt set under the operation's policy.
func (p *Pipeline) run(ctx context.Context, op cloud.Operation, body []byte, query url.Values) ([]byte, error) {
	target, err := resolveURL(p.auth.Session(), op, query)
	if err != nil {
		return nil, err
	}

	target = p.auth.WithClientParams(target)

	header := p.auth.ServiceHeaders()
	header.Set("Content-Type", p.codec.ContentType())

	method := strings.ToUpper(op.Method)
	policy := p.policies.Lookup(op.Policy)
	pc := retry.NewPolicyContext(op, target)

	p.logger.Debug("invoking operation",
		slog.String("operation", op.Name),
		slog.String("policy", policy.Name()),
	)

	return policy.Execute(ctx, pc, func(ctx context.Context) ([]byte, error) {
		resp, sendErr := p.transport.Send(ctx, &cloud.Request{
			Method: method,
			URL:    target,
			Header: header.Clone(),
			Body:   body,
		})

		if ce := p.classifier.Classify(cloud.FromResponse(resp, sendErr)); ce != nil {
			return nil, ce
		}

		return resp.Body, nil
	})
}

func (p *Pipeline) encode(op cloud.Operation, params any) ([]byte, url.Values, error) {
	method := strings.ToUpper(op.Method)
	if method != http.MethodGet && method != http.MethodDelete {
		body, err := p.codec.Encode(params)
		if err != nil {
			return nil, nil, cloud.NewConfigError(cloud.CodeUnsupportedOperation, "cannot encode params", err)
		}

		return body, nil, nil
	}

	switch v := params.(type) {
	case nil:
		return nil, nil, nil
	case url.Values:
		return nil, v, nil
	case map[string]string:
		q := make(url.Values, len(v))
		for k, val := range v {
			q.Set(k, val)
		}

		return nil, q, nil
	default:
		return nil, nil, cloud.NewConfigError(cloud.CodeUnsupportedOperation,
			fmt.Sprintf("%s params must be query values, got %T", method, params), nil)
	}
}

// resolveURL joins the operation endpoint onto its service base URL from
// the session snapshot.
func resolveURL(rec auth.SessionRecord, op cloud.Operation, query url.Values) (string, error) {
	raw := op.Endpoint

	if op.Service != "" {
		base, ok := rec.Endpoint(op.Service)
		if !ok {
			return "", cloud.NewSemanticError(cloud.CodeServiceNotActivated,
				fmt.Sprintf("account has no endpoint for service %q", op.Service),
				map[string]string{"hint": "the service may not be enabled for this account"})
		}

		raw = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(op.Endpoint, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", cloud.NewConfigError(cloud.CodeUnsupportedOperation, "invalid operation URL", err)
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}

		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func challengePending(s auth.State) *cloud.CloudError {
	return cloud.NewSemanticError(cloud.CodeChallengePending,
		fmt.Sprintf("%s challenge must be completed first", s.Challenge),
		map[string]string{"challenge": s.Challenge.String(), "hint": "complete verification with the login command"})
}
