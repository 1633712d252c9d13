// pkg/proxyconfig/model.go
package proxyconfig

import (
	"strings"

	"authproxy/pkg/store"
)

// Configuration is the proxy's own registration with one upstream provider,
// shared by every tenant-local connector of that provider within Scope.
type Configuration struct {
	Provider         string         `json:"provider" yaml:"provider"`
	Scope            store.Scope    `json:"scope" yaml:"scope"`
	ClientID         string         `json:"clientId" yaml:"clientId"`
	ClientSecret     string         `json:"clientSecret" yaml:"clientSecret"`
	AuthorizationURL string         `json:"authorizationUrl" yaml:"authorizationUrl"`
	TokenURL         string         `json:"tokenUrl" yaml:"tokenUrl"`
	RevokeURL        string         `json:"revokeUrl,omitempty" yaml:"revokeUrl"`
	CallbackURL      string         `json:"callbackUrl,omitempty" yaml:"callbackUrl"` // overrides the derived proxy callback
	ExtraFields      map[string]any `json:"extraFields,omitempty" yaml:"extraFields"`
}

// AuthorizeParams returns extraFields.authorizeParams as string pairs.
func (c Configuration) AuthorizeParams() map[string]string {
	out := map[string]string{}
	raw, ok := c.ExtraFields["authorizeParams"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Callback is the proxy-owned redirect_uri registered with the provider.
func (c Configuration) Callback(baseURL string) string {
	if c.CallbackURL != "" {
		return c.CallbackURL
	}
	return strings.TrimRight(baseURL, "/") + "/v2/proxy/" + c.Provider + "/oauth/callback"
}
