// pkg/entities/types.go

// Package entities reads and writes the tenant records the proxy and the
// session engine consume: connectors, integrations, and the identities and
// instances a committed session produces.
package entities

const (
	TypeConnector   = "connector"
	TypeIntegration = "integration"
	TypeIdentity    = "identity"
	TypeInstance    = "instance"

	// TagSessionMaster marks every entity materialized by a session commit.
	TagSessionMaster = "session.master"

	DefaultAuthorizePath = "/api/authorize"
	DefaultOnboardPath   = "/api/onboard"
)

// Connector is a tenant-local OAuth client of one provider. ClientID and
// ClientSecret are meaningless upstream; the proxy swaps them for its own.
type Connector struct {
	ID            string            `json:"id"`
	Provider      string            `json:"provider"`
	ClientID      string            `json:"clientId"`
	ClientSecret  string            `json:"clientSecret"`
	CallbackURL   string            `json:"callbackUrl"`
	AuthorizePath string            `json:"authorizePath,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

func (c Connector) EntryPath() string {
	if c.AuthorizePath != "" {
		return c.AuthorizePath
	}
	return DefaultAuthorizePath
}

// Component is one named step of an integration's onboarding graph.
type Component struct {
	Name       string   `json:"name"`
	EntityType string   `json:"entityType"`
	EntityID   string   `json:"entityId"`
	DependsOn  []string `json:"dependsOn,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Path       string   `json:"path,omitempty"`
}

type Integration struct {
	ID          string            `json:"id"`
	Components  []Component       `json:"components,omitempty"`
	OnboardPath string            `json:"onboardPath,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

func (i Integration) EntryPath() string {
	if i.OnboardPath != "" {
		return i.OnboardPath
	}
	return DefaultOnboardPath
}

// Identity is the durable credential record a connector step commits to.
type Identity struct {
	ID          string            `json:"id"`
	ConnectorID string            `json:"connectorId"`
	Data        map[string]any    `json:"data,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Instance is an activated integration.
type Instance struct {
	ID            string            `json:"id"`
	IntegrationID string            `json:"integrationId"`
	Data          map[string]any    `json:"data,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}
