// internal/oauthproxy/state.go
package oauthproxy

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"authproxy/pkg/problems"
	"authproxy/pkg/store"
)

const stateVersion = 1

// State is the continuation token the proxy sends upstream as the OAuth
// state parameter and receives back on its callback.
type State struct {
	V              int    `json:"v"`
	AccountID      string `json:"accountId"`
	SubscriptionID string `json:"subscriptionId"`
	ConnectorID    string `json:"connectorId"`
	Provider       string `json:"provider"`
	SessionID      string `json:"sessionId"`
	CallerState    string `json:"callerState,omitempty"`
	RedirectURI    string `json:"redirectUri"`
}

func (s State) Scope() store.Scope {
	return store.Scope{AccountID: s.AccountID, SubscriptionID: s.SubscriptionID}
}

func (s State) Encode() (string, error) {
	s.V = stateVersion
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeState parses a state token strictly: unknown fields, a foreign
// version or a missing required field are validation errors.
func DecodeState(raw string) (State, error) {
	if raw == "" {
		return State{}, problems.Validation("state is required")
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return State{}, problems.Validation("state is not valid base64url")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var s State
	if err := dec.Decode(&s); err != nil {
		return State{}, problems.Validation("state is not valid JSON")
	}
	if dec.More() {
		return State{}, problems.Validation("state has trailing data")
	}
	if s.V != stateVersion {
		return State{}, problems.Validation("state version %d not supported", s.V)
	}
	for field, v := range map[string]string{
		"accountId":      s.AccountID,
		"subscriptionId": s.SubscriptionID,
		"connectorId":    s.ConnectorID,
		"provider":       s.Provider,
		"sessionId":      s.SessionID,
		"redirectUri":    s.RedirectURI,
	} {
		if v == "" {
			return State{}, problems.Validation("state is missing %s", field)
		}
	}
	return s, nil
}
