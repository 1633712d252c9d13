// internal/session/commit.go
package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"authproxy/pkg/entities"
	"authproxy/pkg/problems"
	"authproxy/pkg/store"
)

// CommitResult is the response body of a successful commit.
type CommitResult struct {
	Code    int                    `json:"code"`
	Type    string                 `json:"type"`
	Verb    string                 `json:"verb"`
	Payload map[string]CommitEntry `json:"payload"`
}

func committed(payload map[string]CommitEntry) *CommitResult {
	return &CommitResult{Code: 200, Type: "session", Verb: "creating", Payload: payload}
}

// Commit materializes one identity or instance per step, plus one for the
// root under the empty key, each tagged with the session id. It refuses
// unless every step finished without error. Entity ids derive from the
// session and step, so concurrent or retried commits converge on the same
// entities. Committing again returns the stored payload.
func (s *Service) Commit(ctx context.Context, scope store.Scope, entityType, entityID, id string) (*CommitResult, error) {
	sess, err := s.Get(ctx, scope, entityType, entityID, id)
	if err != nil {
		return nil, err
	}
	if sess.ParentID != "" {
		return nil, problems.Validation("only top-level sessions can be committed; %s belongs to %s", id, sess.ParentID)
	}
	if sess.Committed {
		return committed(sess.Payload), nil
	}
	tags := map[string]string{entities.TagSessionMaster: sess.ID}

	var payload map[string]CommitEntry
	if sess.IsParent() {
		payload, err = s.commitSteps(ctx, sess, tags)
	} else {
		payload, err = s.commitLeaf(ctx, sess, tags)
	}
	if err != nil {
		return nil, err
	}

	stored, err := s.update(ctx, scope, id, func(cur *Session) error {
		if cur.Committed {
			return errUnchanged
		}
		cur.Committed = true
		cur.Payload = payload
		return nil
	})
	if errors.Is(err, errUnchanged) {
		stored, err = s.load(ctx, scope, id)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.inc("committed")
	s.log.Infow("session committed", "session", id, "entities", len(stored.Payload))
	return committed(stored.Payload), nil
}

func (s *Service) commitSteps(ctx context.Context, sess *Session, tags map[string]string) (map[string]CommitEntry, error) {
	g, err := sess.graph()
	if err != nil {
		return nil, err
	}
	order := g.Order()
	for _, name := range order {
		u := sess.Uses[name]
		if u.failed() {
			return nil, problems.Validation("step %s failed: %s: %s", name, u.Output.Error, u.Output.ErrorDescription)
		}
		if !u.done() {
			return nil, problems.Validation("step %s has not completed", name)
		}
	}

	payload := make(map[string]CommitEntry, len(order)+1)
	refs := map[string]any{}
	for _, name := range order {
		c, _ := g.Get(name)
		in := sess.Input[name]
		data := sess.Uses[name].Output.Data
		if len(in.Data) > 0 {
			data = merge(in.Data, data)
		}
		entry, err := s.materialize(ctx, sess, name, c.EntityType, c.EntityID, in.ReplacementTargetID, data, tags)
		if err != nil {
			return nil, err
		}
		payload[name] = entry
		refs[name] = map[string]any{"entityType": entry.EntityType, "entityId": entry.EntityID}
	}
	root, err := s.materialize(ctx, sess, "", sess.Target.EntityType, sess.Target.EntityID,
		sess.ReplacementTargetID, map[string]any{"components": refs}, tags)
	if err != nil {
		return nil, err
	}
	payload[""] = root
	return payload, nil
}

func (s *Service) commitLeaf(ctx context.Context, sess *Session, tags map[string]string) (map[string]CommitEntry, error) {
	switch {
	case sess.Output == nil:
		return nil, problems.Validation("session %s has not completed", sess.ID)
	case sess.Output.Failed():
		return nil, problems.Validation("session %s failed: %s: %s", sess.ID, sess.Output.Error, sess.Output.ErrorDescription)
	}
	data := sess.Output.Data
	if in, ok := sess.Input[""]; ok && len(in.Data) > 0 {
		data = merge(in.Data, data)
	}
	root, err := s.materialize(ctx, sess, "", sess.Target.EntityType, sess.Target.EntityID, sess.ReplacementTargetID, data, tags)
	if err != nil {
		return nil, err
	}
	return map[string]CommitEntry{"": root}, nil
}

// materialize creates the identity (connector) or instance (integration)
// for one step of sess, or updates replacementID when set. A create that
// finds the entity already there is an earlier attempt of the same commit.
func (s *Service) materialize(ctx context.Context, sess *Session, step, entityType, entityID, replacementID string, data map[string]any, tags map[string]string) (CommitEntry, error) {
	sc := sess.Scope
	entry := CommitEntry{ParentEntityType: entityType, ParentEntityID: entityID}
	id := commitID(sess.ID, step)
	switch entityType {
	case entities.TypeConnector:
		entry.EntityType = entities.TypeIdentity
		if replacementID != "" {
			idn, err := s.repo.UpdateIdentity(ctx, sc, entityID, replacementID, data, tags)
			entry.EntityID = idn.ID
			return entry, err
		}
		_, err := s.repo.CreateIdentity(ctx, sc, entities.Identity{ID: "idn-" + id, ConnectorID: entityID, Data: data, Tags: tags})
		entry.EntityID = "idn-" + id
		return entry, alreadyCreated(err)
	case entities.TypeIntegration:
		entry.EntityType = entities.TypeInstance
		if replacementID != "" {
			ins, err := s.repo.UpdateInstance(ctx, sc, entityID, replacementID, data, tags)
			entry.EntityID = ins.ID
			return entry, err
		}
		_, err := s.repo.CreateInstance(ctx, sc, entities.Instance{ID: "ins-" + id, IntegrationID: entityID, Data: data, Tags: tags})
		entry.EntityID = "ins-" + id
		return entry, alreadyCreated(err)
	}
	return entry, problems.Validation("cannot commit %s", entityType)
}

// commitID names the entity a session step commits to.
func commitID(sessionID, step string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("session:"+sessionID+"#"+step)).String()
}

func alreadyCreated(err error) error {
	if problems.Is(err, problems.KindConflict) {
		return nil
	}
	return err
}

func merge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
