// internal/oauthproxy/handler.go
package oauthproxy

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"authproxy/pkg/middleware"
	"authproxy/pkg/problems"
)

// RegisterHTTP mounts the per-connector proxy endpoints on a tenant router:
//
//	GET  /connector/{entityId}/proxy/{provider}/oauth/authorize
//	POST /connector/{entityId}/proxy/{provider}/oauth/token
//	POST /connector/{entityId}/proxy/{provider}/oauth/revoke
func RegisterHTTP(r chi.Router, p *Proxy) {
	r.Route("/connector/{entityId}/proxy/{provider}/oauth", func(r chi.Router) {
		r.Options("/authorize", preflight)
		r.Get("/authorize", p.handleAuthorize)
		r.Options("/token", preflight)
		r.Post("/token", p.handleToken)
		r.Options("/revoke", preflight)
		r.Post("/revoke", p.handleRevoke)
	})
}

// RegisterCallback mounts the proxy-owned redirect_uri registered upstream.
func RegisterCallback(r chi.Router, p *Proxy) {
	r.Options("/v2/proxy/{provider}/oauth/callback", preflight)
	r.Get("/v2/proxy/{provider}/oauth/callback", p.handleCallback)
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", "GET, POST, OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		p.fail(w, provider, "authorize", problems.Validation("unsupported response_type %q", rt))
		return
	}
	sessionID := q.Get("session")
	if sessionID == "" {
		sessionID = q.Get("state")
	}
	target, err := p.Authorize(r.Context(), middleware.TenantFrom(r.Context()), chi.URLParam(r, "entityId"), provider, AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		SessionID:           sessionID,
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		p.fail(w, provider, "authorize", err)
		return
	}
	p.metrics.observe(provider, "authorize", nil)
	http.Redirect(w, r, target, http.StatusFound)
}

func (p *Proxy) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	target, err := p.Callback(r.Context(), provider, CallbackRequest{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		ErrorURI:         q.Get("error_uri"),
	})
	if err != nil {
		p.fail(w, provider, "callback", err)
		return
	}
	p.metrics.observe(provider, "callback", nil)
	http.Redirect(w, r, target, http.StatusFound)
}

func (p *Proxy) handleToken(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := r.ParseForm(); err != nil {
		p.fail(w, provider, "token", problems.Validation("invalid form body"))
		return
	}
	id, secret := clientCredentials(r)
	resp, err := p.Token(r.Context(), middleware.TenantFrom(r.Context()), chi.URLParam(r, "entityId"), provider, TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     id,
		ClientSecret: secret,
		Code:         r.PostForm.Get("code"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		Scope:        r.PostForm.Get("scope"),
	})
	if err != nil {
		p.fail(w, provider, "token", err)
		return
	}
	p.metrics.observe(provider, "token", nil)
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (p *Proxy) handleRevoke(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := r.ParseForm(); err != nil {
		p.fail(w, provider, "revoke", problems.Validation("invalid form body"))
		return
	}
	id, _ := clientCredentials(r)
	err := p.Revoke(r.Context(), middleware.TenantFrom(r.Context()), chi.URLParam(r, "entityId"), provider, RevokeRequest{
		ClientID:      id,
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
	})
	if err != nil {
		p.fail(w, provider, "revoke", err)
		return
	}
	p.metrics.observe(provider, "revoke", nil)
	w.WriteHeader(http.StatusOK)
}

func (p *Proxy) fail(w http.ResponseWriter, provider, op string, err error) {
	p.metrics.observe(provider, op, err)
	if problems.KindOf(err) == "" {
		p.log.Errorw("proxy "+op, "provider", provider, "err", err)
	}
	problems.Write(w, err)
}

// clientCredentials accepts client_secret_post and client_secret_basic.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}
