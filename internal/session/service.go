// internal/session/service.go

// Package session walks a browser through an integration's authorization
// steps via redirects and materializes entities on commit.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authproxy/pkg/entities"
	"authproxy/pkg/policy"
	"authproxy/pkg/problems"
	"authproxy/pkg/store"
)

var errUnchanged = errors.New("session unchanged")

type Options struct {
	BaseURL string
	TTL     time.Duration
}

type Service struct {
	log     *zap.SugaredLogger
	store   store.Store
	repo    *entities.Repo
	policy  policy.RedirectPolicy
	metrics *Metrics
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

func NewService(log *zap.SugaredLogger, s store.Store, repo *entities.Repo, pol policy.RedirectPolicy, m *Metrics, opts Options) *Service {
	if pol == nil {
		pol = policy.AllowAll{}
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &Service{
		log:     log,
		store:   s,
		repo:    repo,
		policy:  pol,
		metrics: m,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		ttl:     opts.TTL,
		now:     time.Now,
	}
}

type CreateRequest struct {
	RedirectURL         string               `json:"redirectUrl"`
	Input               map[string]StepInput `json:"input,omitempty"`
	ReplacementTargetID string               `json:"replacementTargetId,omitempty"`
}

// Create persists a new top-level session for the target entity.
func (s *Service) Create(ctx context.Context, scope store.Scope, entityType, entityID string, req CreateRequest) (*Session, error) {
	u, err := url.Parse(req.RedirectURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, problems.Validation("redirectUrl must be an absolute http(s) URL")
	}
	ok, err := s.policy.AllowRedirect(ctx, scope, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, problems.Validation("redirectUrl %s is not allowed", u.Host)
	}

	now := s.now()
	sess := &Session{
		ID:                  "sid-" + uuid.NewString(),
		Scope:               scope,
		Target:              Target{EntityType: entityType, EntityID: entityID},
		RedirectURL:         req.RedirectURL,
		ReplacementTargetID: req.ReplacementTargetID,
		Input:               req.Input,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.ttl),
	}
	switch entityType {
	case entities.TypeConnector:
		conn, err := s.repo.Connector(ctx, scope, entityID)
		if err != nil {
			return nil, err
		}
		sess.Target.Path = conn.EntryPath()
	case entities.TypeIntegration:
		in, err := s.repo.Integration(ctx, scope, entityID)
		if err != nil {
			return nil, err
		}
		sess.Target.Path = in.EntryPath()
		sess.Components = in.Components
	default:
		return nil, problems.Validation("sessions are not supported for %s", entityType)
	}

	if sess.IsParent() {
		if err := s.validateSteps(ctx, scope, sess); err != nil {
			return nil, err
		}
	} else {
		for k := range req.Input {
			if k != "" {
				return nil, problems.Validation("input step %q: %s %s has no steps", k, entityType, entityID)
			}
		}
	}
	if err := s.insert(ctx, sess); err != nil {
		return nil, err
	}
	s.metrics.inc("created")
	s.log.Infow("session created", "session", sess.ID, "target", entityType+"/"+entityID, "steps", len(sess.Components))
	return sess, nil
}

func (s *Service) validateSteps(ctx context.Context, scope store.Scope, sess *Session) error {
	g, err := sess.graph()
	if err != nil {
		return problems.Validation("integration %s: %v", sess.Target.EntityID, err)
	}
	for name := range sess.Input {
		if _, ok := g.Get(name); !ok {
			return problems.Validation("input names unknown step %q", name)
		}
	}
	for _, name := range g.Order() {
		c, _ := g.Get(name)
		var err error
		if c.EntityType == entities.TypeConnector {
			_, err = s.repo.Connector(ctx, scope, c.EntityID)
		} else {
			_, err = s.repo.Integration(ctx, scope, c.EntityID)
		}
		if problems.Is(err, problems.KindNotFound) {
			return problems.Validation("step %s: %s %s does not exist", name, c.EntityType, c.EntityID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns the session addressed through the given resource.
func (s *Service) Get(ctx context.Context, scope store.Scope, entityType, entityID, id string) (*Session, error) {
	sess, err := s.load(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if sess.Target.EntityType != entityType || sess.Target.EntityID != entityID {
		return nil, problems.NotFound("session %s not found", id)
	}
	return sess, nil
}

// Start returns where to send the browser next. A leaf goes to its target's
// entry point; a parent goes to the entry point of its next ready step.
func (s *Service) Start(ctx context.Context, scope store.Scope, entityType, entityID, id string) (string, error) {
	sess, err := s.Get(ctx, scope, entityType, entityID, id)
	if err != nil {
		return "", err
	}
	if !sess.IsParent() {
		if sess.Output != nil {
			return "", problems.Conflict("session %s already completed", id)
		}
		s.metrics.inc("started")
		return s.leafURL(sess), nil
	}
	if sess.Committed {
		return "", problems.Conflict("session %s already committed", id)
	}
	g, err := sess.graph()
	if err != nil {
		return "", err
	}
	for {
		if step, res := sess.failedStep(g); res != nil {
			s.log.Infow("session aborted", "session", id, "step", step, "error", res.Error)
			return failureRedirect(sess.RedirectURL, sess.ID, res)
		}
		step, ok := g.Next(sess.stepDone)
		if !ok {
			return withQuery(sess.RedirectURL, url.Values{"session": {sess.ID}})
		}
		child, err := s.childFor(ctx, sess, g, step)
		if err != nil {
			return "", err
		}
		if child.Output == nil {
			s.metrics.inc("started")
			return s.leafURL(child), nil
		}
		// The step finished but its callback never ran; record it and move on.
		if sess, err = s.settle(ctx, sess, child); err != nil {
			return "", err
		}
	}
}

// settle copies a finished child's result into its parent, keeping any
// result already recorded there.
func (s *Service) settle(ctx context.Context, parent, child *Session) (*Session, error) {
	return s.update(ctx, parent.Scope, parent.ID, func(p *Session) error {
		u := p.Uses[child.StepName]
		if u == nil || u.SessionID != child.ID {
			return problems.Conflict("session %s no longer serves step %s", child.ID, child.StepName)
		}
		if u.Output == nil {
			u.Output = child.Output
		}
		return nil
	})
}

// childFor returns the child already serving step, finished or not, or
// creates one and links it into the parent's uses.
func (s *Service) childFor(ctx context.Context, parent *Session, g *Graph, step string) (*Session, error) {
	if u := parent.Uses[step]; u != nil && u.SessionID != "" && u.Output == nil {
		child, err := s.load(ctx, parent.Scope, u.SessionID)
		if err == nil {
			return child, nil
		}
		if !problems.Is(err, problems.KindNotFound) {
			return nil, err
		}
	}

	c, _ := g.Get(step)
	path := c.Path
	if path == "" {
		if c.EntityType == entities.TypeConnector {
			conn, err := s.repo.Connector(ctx, parent.Scope, c.EntityID)
			if err != nil {
				return nil, err
			}
			path = conn.EntryPath()
		} else {
			in, err := s.repo.Integration(ctx, parent.Scope, c.EntityID)
			if err != nil {
				return nil, err
			}
			path = in.EntryPath()
		}
	}
	child := &Session{
		ID:          "sid-" + uuid.NewString(),
		Scope:       parent.Scope,
		Target:      Target{EntityType: c.EntityType, EntityID: c.EntityID, Path: path},
		ParentID:    parent.ID,
		StepName:    step,
		RedirectURL: parent.RedirectURL,
		CreatedAt:   s.now(),
		ExpiresAt:   parent.ExpiresAt,
	}
	if in, ok := parent.Input[step]; ok && len(in.Data) > 0 {
		child.Input = map[string]StepInput{"": {Data: in.Data}}
	}
	if err := s.insert(ctx, child); err != nil {
		return nil, err
	}
	_, err := s.update(ctx, parent.Scope, parent.ID, func(p *Session) error {
		if u := p.Uses[step]; u != nil && u.Output != nil {
			return problems.Conflict("step %s already completed", step)
		}
		if p.Uses == nil {
			p.Uses = map[string]*Use{}
		}
		p.Uses[step] = &Use{EntityType: c.EntityType, ComponentID: c.EntityID, SessionID: child.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// PutRequest is the body of a step result report.
type PutRequest struct {
	Output map[string]any `json:"output"`
}

// ParseOutput splits a reported output into its error fields and data.
func ParseOutput(raw map[string]any) (Result, error) {
	if raw == nil {
		return Result{}, problems.Validation("output is required")
	}
	var res Result
	data := map[string]any{}
	for k, v := range raw {
		switch k {
		case "error":
			s, ok := v.(string)
			if !ok {
				return Result{}, problems.Validation("output.error must be a string")
			}
			res.Error = s
		case "errorDescription", "error_description":
			s, _ := v.(string)
			res.ErrorDescription = s
		default:
			data[k] = v
		}
	}
	if len(data) > 0 {
		res.Data = data
	}
	return res, nil
}

// Put records the result of a step session. The first terminal result
// wins: repeating it is a no-op and a different one is a conflict.
func (s *Service) Put(ctx context.Context, scope store.Scope, entityType, entityID, id string, out Result) (*Session, error) {
	cur, err := s.Get(ctx, scope, entityType, entityID, id)
	if err != nil {
		return nil, err
	}
	if cur.IsParent() {
		return nil, problems.Validation("output is reported on step sessions, not on %s", id)
	}
	sess, err := s.update(ctx, scope, id, func(sess *Session) error {
		if sess.Output != nil {
			if sess.Output.sameAs(&out) {
				return errUnchanged
			}
			return problems.Conflict("session %s already has a result", id)
		}
		sess.Output = &out
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.load(ctx, scope, id)
	}
	if err != nil {
		return nil, err
	}
	if out.Failed() {
		s.metrics.inc("errored")
	} else {
		s.metrics.inc("completed")
	}
	return sess, nil
}

// Callback is where a step's target returns the browser once it has
// reported its result.
func (s *Service) Callback(ctx context.Context, scope store.Scope, entityType, entityID, id string) (string, error) {
	sess, err := s.Get(ctx, scope, entityType, entityID, id)
	if err != nil {
		return "", err
	}
	if sess.IsParent() {
		return "", problems.Validation("session %s has steps; use start", id)
	}
	if sess.Output == nil {
		return "", problems.Validation("session %s has no result yet", id)
	}
	if sess.ParentID == "" {
		if sess.Output.Failed() {
			return failureRedirect(sess.RedirectURL, sess.ID, sess.Output)
		}
		return withQuery(sess.RedirectURL, url.Values{"session": {sess.ID}})
	}

	parent, err := s.update(ctx, scope, sess.ParentID, func(p *Session) error {
		u := p.Uses[sess.StepName]
		if u == nil || u.SessionID != sess.ID {
			return problems.Conflict("session %s no longer serves step %s", sess.ID, sess.StepName)
		}
		if u.Output != nil {
			return errUnchanged
		}
		u.Output = sess.Output
		return nil
	})
	if errors.Is(err, errUnchanged) {
		parent, err = s.load(ctx, scope, sess.ParentID)
	}
	if err != nil {
		return "", err
	}
	g, err := parent.graph()
	if err != nil {
		return "", err
	}
	if step, res := parent.failedStep(g); res != nil {
		s.metrics.inc("aborted")
		s.log.Infow("session aborted", "session", parent.ID, "step", step, "error", res.Error)
		return failureRedirect(parent.RedirectURL, parent.ID, res)
	}
	if _, more := g.Next(parent.stepDone); more {
		return s.sessionURL(parent, "start"), nil
	}
	return withQuery(parent.RedirectURL, url.Values{"session": {parent.ID}})
}

// CheckLive reports whether sessionID is an unexpired, unfinished session
// targeting the connector.
func (s *Service) CheckLive(ctx context.Context, scope store.Scope, connectorID, sessionID string) error {
	if sessionID == "" {
		return problems.Validation("session is required")
	}
	sess, err := s.load(ctx, scope, sessionID)
	if err != nil {
		return err
	}
	switch {
	case sess.IsParent():
		return problems.Validation("session %s has steps", sessionID)
	case sess.Target.EntityType != entities.TypeConnector || sess.Target.EntityID != connectorID:
		return problems.Permission("session %s does not target connector %s", sessionID, connectorID)
	case sess.Output != nil:
		return problems.Conflict("session %s already completed", sessionID)
	case !s.now().Before(sess.ExpiresAt):
		return problems.NotFound("session %s expired", sessionID)
	}
	return nil
}

func (s *Service) tenantPrefix(sc store.Scope) string {
	return s.baseURL + "/v2/account/" + url.PathEscape(sc.AccountID) + "/subscription/" + url.PathEscape(sc.SubscriptionID)
}

func (s *Service) sessionURL(sess *Session, action string) string {
	u := s.tenantPrefix(sess.Scope) + "/" + sess.Target.EntityType + "/" + url.PathEscape(sess.Target.EntityID) + "/session/" + sess.ID
	if action != "" {
		u += "/" + action
	}
	return u
}

// leafURL is the target's own entry point with the session and the
// callback it must return the browser to.
func (s *Service) leafURL(sess *Session) string {
	q := url.Values{"session": {sess.ID}, "redirect_uri": {s.sessionURL(sess, "callback")}}
	return s.tenantPrefix(sess.Scope) + "/" + sess.Target.EntityType + "/" + url.PathEscape(sess.Target.EntityID) + sess.Target.Path + "?" + q.Encode()
}

func (s *Service) key(sc store.Scope, id string) string { return sc.Key("session", id) }

func (s *Service) load(ctx context.Context, sc store.Scope, id string) (*Session, error) {
	rec, err := s.store.Get(ctx, s.key(sc, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, problems.NotFound("session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(rec.Data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Service) insert(ctx context.Context, sess *Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.store.Put(ctx, store.Record{Key: s.key(sess.Scope, sess.ID), Data: b, ExpiresAt: sess.ExpiresAt})
	return err
}

// update applies fn to the stored session under optimistic concurrency.
func (s *Service) update(ctx context.Context, sc store.Scope, id string, fn func(*Session) error) (*Session, error) {
	var out Session
	_, err := store.Update(ctx, s.store, s.key(sc, id), func(rec *store.Record) error {
		out = Session{}
		if err := json.Unmarshal(rec.Data, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		b, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		rec.Data = b
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, problems.NotFound("session %s not found", id)
	case errors.Is(err, store.ErrConflict):
		return nil, problems.Conflict("session %s is being modified concurrently", id)
	case err != nil:
		return nil, err
	}
	return &out, nil
}

func failureRedirect(redirectURL, sessionID string, res *Result) (string, error) {
	q := url.Values{"error": {res.Error}, "session": {sessionID}}
	if res.ErrorDescription != "" {
		q.Set("errorDescription", res.ErrorDescription)
	}
	return withQuery(redirectURL, q)
}

func withQuery(raw string, q url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", problems.Validation("invalid redirect url")
	}
	cur := u.Query()
	for k, vs := range q {
		cur[k] = vs
	}
	u.RawQuery = cur.Encode()
	return u.String(), nil
}
