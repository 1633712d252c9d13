// internal/session/model.go
package session

import (
	"encoding/json"
	"time"

	"authproxy/pkg/entities"
	"authproxy/pkg/store"
)

type Target struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Path       string `json:"path,omitempty"`
}

// Result is a step outcome. A non-empty Error makes it a failure.
type Result struct {
	Data             map[string]any `json:"data,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorDescription string         `json:"errorDescription,omitempty"`
}

func (r *Result) Failed() bool { return r != nil && r.Error != "" }

// sameAs compares results by their JSON form so numbers decoded from
// storage compare equal to freshly decoded request bodies.
func (r *Result) sameAs(o *Result) bool {
	a, errA := json.Marshal(r)
	b, errB := json.Marshal(o)
	return errA == nil && errB == nil && string(a) == string(b)
}

// StepInput carries caller instructions for one step. On a step's own
// session it is stored under the empty key.
type StepInput struct {
	Data                map[string]any `json:"data,omitempty"`
	ReplacementTargetID string         `json:"replacementTargetId,omitempty"`
}

// Use links a parent's step to the child session serving it. Output is the
// child's result, copied on the child's callback.
type Use struct {
	EntityType  string  `json:"entityType"`
	ComponentID string  `json:"componentId"`
	SessionID   string  `json:"sessionId"`
	Output      *Result `json:"output,omitempty"`
}

func (u *Use) done() bool   { return u != nil && u.Output != nil && !u.Output.Failed() }
func (u *Use) failed() bool { return u != nil && u.Output.Failed() }

// CommitEntry identifies one entity materialized by a commit.
type CommitEntry struct {
	EntityType       string `json:"entityType"`
	EntityID         string `json:"entityId"`
	ParentEntityType string `json:"parentEntityType"`
	ParentEntityID   string `json:"parentEntityId"`
}

type Session struct {
	ID                  string                 `json:"id"`
	Scope               store.Scope            `json:"scope"`
	Target              Target                 `json:"target"`
	ParentID            string                 `json:"parentId,omitempty"`
	StepName            string                 `json:"stepName,omitempty"`
	RedirectURL         string                 `json:"redirectUrl"`
	ReplacementTargetID string                 `json:"replacementTargetId,omitempty"`
	Input               map[string]StepInput   `json:"input,omitempty"`
	Output              *Result                `json:"output,omitempty"`
	Uses                map[string]*Use        `json:"uses,omitempty"`
	Components          []entities.Component   `json:"components,omitempty"`
	Committed           bool                   `json:"committed,omitempty"`
	Payload             map[string]CommitEntry `json:"payload,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
	ExpiresAt           time.Time              `json:"expiresAt"`
}

// IsParent reports whether the session walks a step graph rather than
// serving a single target.
func (s *Session) IsParent() bool { return len(s.Components) > 0 }

func (s *Session) graph() (*Graph, error) { return NewGraph(s.Components) }

// failedStep returns the first failed step in dependency order.
func (s *Session) failedStep(g *Graph) (string, *Result) {
	for _, name := range g.Order() {
		if u := s.Uses[name]; u.failed() {
			return name, u.Output
		}
	}
	return "", nil
}

func (s *Session) stepDone(name string) bool { return s.Uses[name].done() }
