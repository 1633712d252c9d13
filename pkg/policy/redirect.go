// pkg/policy/redirect.go

// Package policy decides whether a session may redirect to a caller-supplied URL.
package policy

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"authproxy/pkg/store"
)

type RedirectPolicy interface {
	AllowRedirect(ctx context.Context, scope store.Scope, u *url.URL) (bool, error)
}

// AllowAll is used when no policy module is configured.
type AllowAll struct{}

func (AllowAll) AllowRedirect(context.Context, store.Scope, *url.URL) (bool, error) { return true, nil }

const redirectQuery = "data.session.redirect.allow"

// Rego evaluates data.session.redirect.allow with input
// {url, host, scheme, accountId, subscriptionId}. An undefined result denies.
type Rego struct {
	query rego.PreparedEvalQuery
}

func NewRego(ctx context.Context, name, module string) (*Rego, error) {
	q, err := rego.New(
		rego.Query(redirectQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Rego{query: q}, nil
}

// LoadFile compiles the module at path; an empty path yields AllowAll.
func LoadFile(ctx context.Context, path string) (RedirectPolicy, error) {
	if path == "" {
		return AllowAll{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRego(ctx, path, string(b))
}

func (p *Rego) AllowRedirect(ctx context.Context, scope store.Scope, u *url.URL) (bool, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(map[string]any{
		"url":            u.String(),
		"host":           u.Hostname(),
		"scheme":         u.Scheme,
		"accountId":      scope.AccountID,
		"subscriptionId": scope.SubscriptionID,
	}))
	if err != nil {
		return false, err
	}
	return rs.Allowed(), nil
}
