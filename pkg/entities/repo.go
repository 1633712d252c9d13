// pkg/entities/repo.go
package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"authproxy/pkg/problems"
	"authproxy/pkg/store"
)

// Repo is a typed view over store.Store. Missing records surface as
// problems NotFound errors.
type Repo struct {
	s store.Store
}

func NewRepo(s store.Store) *Repo { return &Repo{s: s} }

func connectorKey(sc store.Scope, id string) string { return sc.Key(TypeConnector, id) }
func identityKey(sc store.Scope, connectorID, id string) string {
	return sc.Key(TypeConnector, connectorID, TypeIdentity, id)
}
func integrationKey(sc store.Scope, id string) string { return sc.Key(TypeIntegration, id) }
func instanceKey(sc store.Scope, integrationID, id string) string {
	return sc.Key(TypeIntegration, integrationID, TypeInstance, id)
}

func (r *Repo) Connector(ctx context.Context, sc store.Scope, id string) (Connector, error) {
	var c Connector
	return c, r.get(ctx, connectorKey(sc, id), "connector "+id, &c)
}

func (r *Repo) PutConnector(ctx context.Context, sc store.Scope, c Connector) error {
	return r.upsert(ctx, connectorKey(sc, c.ID), c)
}

func (r *Repo) Integration(ctx context.Context, sc store.Scope, id string) (Integration, error) {
	var i Integration
	return i, r.get(ctx, integrationKey(sc, id), "integration "+id, &i)
}

func (r *Repo) PutIntegration(ctx context.Context, sc store.Scope, i Integration) error {
	return r.upsert(ctx, integrationKey(sc, i.ID), i)
}

func (r *Repo) Identity(ctx context.Context, sc store.Scope, connectorID, id string) (Identity, error) {
	var idn Identity
	return idn, r.get(ctx, identityKey(sc, connectorID, id), "identity "+id, &idn)
}

func (r *Repo) Identities(ctx context.Context, sc store.Scope, connectorID string) ([]Identity, error) {
	return list[Identity](ctx, r.s, identityKey(sc, connectorID, ""))
}

// CreateIdentity assigns a fresh id when idn.ID is empty.
func (r *Repo) CreateIdentity(ctx context.Context, sc store.Scope, idn Identity) (Identity, error) {
	if idn.ID == "" {
		idn.ID = "idn-" + uuid.NewString()
	}
	return idn, r.create(ctx, identityKey(sc, idn.ConnectorID, idn.ID), idn)
}

// UpdateIdentity replaces data and merges tags of an existing identity.
func (r *Repo) UpdateIdentity(ctx context.Context, sc store.Scope, connectorID, id string, data map[string]any, tags map[string]string) (Identity, error) {
	var out Identity
	err := r.update(ctx, identityKey(sc, connectorID, id), "identity "+id, func(raw []byte) (any, error) {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		out.Data = data
		out.Tags = mergeTags(out.Tags, tags)
		return out, nil
	})
	return out, err
}

func (r *Repo) Instance(ctx context.Context, sc store.Scope, integrationID, id string) (Instance, error) {
	var ins Instance
	return ins, r.get(ctx, instanceKey(sc, integrationID, id), "instance "+id, &ins)
}

func (r *Repo) Instances(ctx context.Context, sc store.Scope, integrationID string) ([]Instance, error) {
	return list[Instance](ctx, r.s, instanceKey(sc, integrationID, ""))
}

func (r *Repo) CreateInstance(ctx context.Context, sc store.Scope, ins Instance) (Instance, error) {
	if ins.ID == "" {
		ins.ID = "ins-" + uuid.NewString()
	}
	return ins, r.create(ctx, instanceKey(sc, ins.IntegrationID, ins.ID), ins)
}

func (r *Repo) UpdateInstance(ctx context.Context, sc store.Scope, integrationID, id string, data map[string]any, tags map[string]string) (Instance, error) {
	var out Instance
	err := r.update(ctx, instanceKey(sc, integrationID, id), "instance "+id, func(raw []byte) (any, error) {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		out.Data = data
		out.Tags = mergeTags(out.Tags, tags)
		return out, nil
	})
	return out, err
}

func (r *Repo) get(ctx context.Context, key, what string, v any) error {
	rec, err := r.s.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return problems.NotFound("%s not found", what)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(rec.Data, v)
}

func (r *Repo) create(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := r.s.Put(ctx, store.Record{Key: key, Data: b}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return problems.Conflict("%s already exists", key)
		}
		return err
	}
	return nil
}

func (r *Repo) upsert(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = r.s.Put(ctx, store.Record{Key: key, Data: b})
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	_, err = store.Update(ctx, r.s, key, func(rec *store.Record) error {
		rec.Data = b
		return nil
	})
	return err
}

func (r *Repo) update(ctx context.Context, key, what string, fn func(raw []byte) (any, error)) error {
	_, err := store.Update(ctx, r.s, key, func(rec *store.Record) error {
		v, err := fn(rec.Data)
		if err != nil {
			return err
		}
		rec.Data, err = json.Marshal(v)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return problems.NotFound("%s not found", what)
	case errors.Is(err, store.ErrConflict):
		return problems.Conflict("%s: %w", what, err)
	}
	return err
}

// list decodes every record under prefix.
func list[T any](ctx context.Context, s store.Store, prefix string) ([]T, error) {
	recs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func mergeTags(cur, add map[string]string) map[string]string {
	if cur == nil {
		cur = map[string]string{}
	}
	for k, v := range add {
		cur[k] = v
	}
	return cur
}
