// pkg/proxyconfig/file.go
package proxyconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"authproxy/pkg/store"
)

// LoadFile reads a YAML list of configurations:
//
//	- provider: slack
//	  clientId: ...
//	  clientSecret: ...
//	  authorizationUrl: https://slack.com/oauth/v2/authorize
//	  tokenUrl: https://slack.com/api/oauth.v2.access
//
// Entries without a scope are assigned def.
func LoadFile(path string, def store.Scope) ([]Configuration, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfgs []Configuration
	if err := yaml.Unmarshal(b, &cfgs); err != nil {
		return nil, fmt.Errorf("yaml parse: %w", err)
	}
	for i := range cfgs {
		if cfgs[i].Provider == "" || cfgs[i].TokenURL == "" || cfgs[i].AuthorizationURL == "" {
			return nil, fmt.Errorf("%s: entry %d: provider, authorizationUrl and tokenUrl are required", path, i)
		}
		if cfgs[i].Scope.IsZero() {
			cfgs[i].Scope = def
		}
	}
	return cfgs, nil
}
