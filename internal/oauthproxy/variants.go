// internal/oauthproxy/variants.go
package oauthproxy

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
	"golang.org/x/oauth2"
)

// Strategy is the per-provider delta applied to the generic token step.
type Strategy struct {
	// AuthStyle selects how the proxy's own credentials reach the token endpoint.
	AuthStyle oauth2.AuthStyle
	// RotateRefreshToken deletes the caller's opaque refresh token once the
	// provider has issued a replacement.
	RotateRefreshToken bool
	// Rename maps upstream response fields to their standard OAuth2 names.
	Rename map[string]string
	// Inject adds response fields computed by JMESPath over
	// {"response": <upstream fields>, "config": <extraFields>}.
	Inject map[string]string
}

var strategies = map[string]Strategy{
	"generic": {AuthStyle: oauth2.AuthStyleInParams},
	"reddit":  {AuthStyle: oauth2.AuthStyleInHeader},
	"twitter": {AuthStyle: oauth2.AuthStyleInHeader, RotateRefreshToken: true},
	"stackoverflow": {
		AuthStyle: oauth2.AuthStyleInParams,
		Rename:    map[string]string{"expires": "expires_in"},
		Inject:    map[string]string{"key": "config.key"},
	},
}

// StrategyFor returns the provider's strategy, or the generic one.
func StrategyFor(provider string) Strategy {
	if s, ok := strategies[provider]; ok {
		return s
	}
	return strategies["generic"]
}

// rewrite applies Rename then Inject to a parsed upstream response.
func (s Strategy) rewrite(fields map[string]any, extra map[string]any) error {
	for from, to := range s.Rename {
		if v, ok := fields[from]; ok {
			delete(fields, from)
			fields[to] = v
		}
	}
	if len(s.Inject) == 0 {
		return nil
	}
	if extra == nil {
		extra = map[string]any{}
	}
	doc := map[string]any{"response": fields, "config": extra}
	for name, expr := range s.Inject {
		v, err := jmespath.Search(expr, doc)
		if err != nil {
			return fmt.Errorf("inject %s: %w", name, err)
		}
		if v != nil {
			fields[name] = v
		}
	}
	return nil
}
