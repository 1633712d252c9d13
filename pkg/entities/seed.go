// pkg/entities/seed.go
package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"authproxy/pkg/store"
)

// Seed is one tenant's worth of connectors and integrations.
type Seed struct {
	Scope        store.Scope   `json:"scope"`
	Connectors   []Connector   `json:"connectors,omitempty"`
	Integrations []Integration `json:"integrations,omitempty"`
}

// SeedFile upserts the connectors and integrations listed in the YAML file
// at path. Entries without a scope land in def. An empty path is a no-op.
//
//	- scope: {accountId: acc-1, subscriptionId: sub-1}
//	  connectors:
//	    - id: c-slack
//	      provider: slack
//	      clientId: local-id
//	      clientSecret: local-secret
//	      callbackUrl: https://app.example/cb
//	  integrations:
//	    - id: int-1
//	      components:
//	        - {name: slack, entityType: connector, entityId: c-slack}
func SeedFile(ctx context.Context, r *Repo, path string, def store.Scope) (int, error) {
	if path == "" {
		return 0, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	seeds, err := parseSeed(b)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	n := 0
	for _, s := range seeds {
		sc := s.Scope
		if sc.IsZero() {
			sc = def
		}
		for _, c := range s.Connectors {
			if c.ID == "" || c.Provider == "" {
				return n, fmt.Errorf("%s: connector needs id and provider", path)
			}
			if err := r.PutConnector(ctx, sc, c); err != nil {
				return n, err
			}
			n++
		}
		for _, in := range s.Integrations {
			if in.ID == "" {
				return n, fmt.Errorf("%s: integration needs an id", path)
			}
			if err := r.PutIntegration(ctx, sc, in); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// parseSeed reads YAML through its JSON form so the entity types need only
// their json tags.
func parseSeed(b []byte) ([]Seed, error) {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("yaml parse: %w", err)
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var seeds []Seed
	if err := json.Unmarshal(j, &seeds); err != nil {
		return nil, err
	}
	return seeds, nil
}
