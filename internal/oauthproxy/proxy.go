// internal/oauthproxy/proxy.go

// Package oauthproxy lets many tenant-local OAuth clients share the proxy's
// single registration with each upstream provider.
package oauthproxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"authproxy/pkg/codestore"
	"authproxy/pkg/entities"
	"authproxy/pkg/problems"
	"authproxy/pkg/proxyconfig"
	"authproxy/pkg/store"
)

type Connectors interface {
	Connector(ctx context.Context, scope store.Scope, id string) (entities.Connector, error)
}

type Configs interface {
	Lookup(ctx context.Context, scope store.Scope, provider string) (proxyconfig.Configuration, error)
}

// SessionChecker reports whether sessionID is a live, unconsumed session
// whose step targets connectorID.
type SessionChecker interface {
	CheckLive(ctx context.Context, scope store.Scope, connectorID, sessionID string) error
}

type Options struct {
	BaseURL         string
	UpstreamTimeout time.Duration
	Transport       http.RoundTripper
}

type Proxy struct {
	log        *zap.SugaredLogger
	connectors Connectors
	configs    Configs
	codes      *codestore.Service
	sessions   SessionChecker
	metrics    *Metrics
	client     *http.Client
	baseURL    string
	timeout    time.Duration
	inflight   sync.WaitGroup
}

func New(log *zap.SugaredLogger, connectors Connectors, configs Configs, codes *codestore.Service, sessions SessionChecker, m *Metrics, opts Options) *Proxy {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 15 * time.Second
	}
	return &Proxy{
		log:        log,
		connectors: connectors,
		configs:    configs,
		codes:      codes,
		sessions:   sessions,
		metrics:    m,
		client:     &http.Client{Timeout: opts.UpstreamTimeout, Transport: opts.Transport},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.UpstreamTimeout,
	}
}

// Wait blocks until every dispatched upstream revoke has finished.
func (p *Proxy) Wait() { p.inflight.Wait() }

type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	SessionID           string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates the local client against the connector and its live
// session and returns the upstream authorize URL.
func (p *Proxy) Authorize(ctx context.Context, scope store.Scope, connectorID, provider string, req AuthorizeRequest) (string, error) {
	conn, err := p.boundConnector(ctx, scope, connectorID, provider)
	if err != nil {
		return "", err
	}
	if req.RedirectURI != conn.CallbackURL {
		return "", problems.Permission("redirect_uri does not match the connector")
	}
	if !equal(req.ClientID, conn.ClientID) {
		return "", problems.Permission("client_id does not match the connector")
	}
	if err := p.sessions.CheckLive(ctx, scope, connectorID, req.SessionID); err != nil {
		p.log.Infow("authorize rejected", "connector", connectorID, "session", req.SessionID, "err", err)
		return "", problems.Permission("no live session for this connector")
	}
	cfg, err := p.config(ctx, scope, provider)
	if err != nil {
		return "", err
	}
	state, err := State{
		AccountID:      scope.AccountID,
		SubscriptionID: scope.SubscriptionID,
		ConnectorID:    connectorID,
		Provider:       provider,
		SessionID:      req.SessionID,
		CallerState:    req.State,
		RedirectURI:    req.RedirectURI,
	}.Encode()
	if err != nil {
		return "", err
	}
	oc := oauth2.Config{
		ClientID:    cfg.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizationURL, TokenURL: cfg.TokenURL},
		RedirectURL: cfg.Callback(p.baseURL),
		Scopes:      strings.Fields(req.Scope),
	}
	var opts []oauth2.AuthCodeOption
	if req.CodeChallenge != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge))
		if req.CodeChallengeMethod != "" {
			opts = append(opts, oauth2.SetAuthURLParam("code_challenge_method", req.CodeChallengeMethod))
		}
	}
	for k, v := range cfg.AuthorizeParams() {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return oc.AuthCodeURL(state, opts...), nil
}

type CallbackRequest struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	ErrorURI         string
}

// Callback handles the provider's redirect back to the proxy and returns
// where to send the browser: the connector callback with either the
// provider's error or an opaque code in place of the provider's code.
// The upstream exchange is deferred to Token so the client's PKCE verifier
// can reach the provider.
func (p *Proxy) Callback(ctx context.Context, provider string, req CallbackRequest) (string, error) {
	st, err := DecodeState(req.State)
	if err != nil {
		return "", err
	}
	if st.Provider != provider {
		return "", problems.Validation("state provider %q does not match %q", st.Provider, provider)
	}
	conn, err := p.boundConnector(ctx, st.Scope(), st.ConnectorID, provider)
	if err != nil {
		return "", err
	}
	if st.RedirectURI != conn.CallbackURL {
		return "", problems.Permission("redirect_uri changed since authorize")
	}
	q := url.Values{}
	if st.CallerState != "" {
		q.Set("state", st.CallerState)
	}
	switch {
	case req.Error != "":
		q.Set("error", req.Error)
		if req.ErrorDescription != "" {
			q.Set("error_description", req.ErrorDescription)
		}
		if req.ErrorURI != "" {
			q.Set("error_uri", req.ErrorURI)
		}
	case req.Code == "":
		return "", problems.Validation("code or error is required")
	default:
		code, err := p.codes.Issue(ctx, conn.ClientID, conn.ClientSecret, codestore.Payload{Kind: codestore.KindCode, Value: req.Code})
		if err != nil {
			return "", err
		}
		q.Set("code", code)
	}
	return withQuery(st.RedirectURI, q)
}

type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RefreshToken string
	CodeVerifier string
	Scope        string
}

// Token redeems an opaque code or refresh token for the local client,
// performs the real exchange with the proxy's credentials and relays the
// upstream reply with any refresh token replaced by a new opaque code.
func (p *Proxy) Token(ctx context.Context, scope store.Scope, connectorID, provider string, req TokenRequest) (*Response, error) {
	conn, err := p.boundConnector(ctx, scope, connectorID, provider)
	if err != nil {
		return nil, err
	}
	if !equal(req.ClientID, conn.ClientID) || !equal(req.ClientSecret, conn.ClientSecret) {
		return nil, problems.Permission("client credentials do not match the connector")
	}
	var (
		opaque string
		want   codestore.Kind
	)
	switch req.GrantType {
	case "authorization_code":
		opaque, want = req.Code, codestore.KindCode
	case "refresh_token":
		opaque, want = req.RefreshToken, codestore.KindRefreshToken
	default:
		return nil, problems.Validation("unsupported grant_type %q", req.GrantType)
	}
	if opaque == "" {
		return nil, problems.Validation("%s is required", want)
	}
	entry, err := p.codes.Redeem(ctx, opaque, req.ClientID, req.ClientSecret)
	switch {
	case errors.Is(err, codestore.ErrNotFound):
		return nil, problems.NotFound("%s not found", want)
	case errors.Is(err, codestore.ErrMismatch):
		return nil, problems.Permission("%s was not issued to this client", want)
	case err != nil:
		return nil, err
	}
	if entry.Payload.Kind != want {
		return nil, problems.Permission("%s was not issued to this client", want)
	}
	cfg, err := p.config(ctx, scope, provider)
	if err != nil {
		return nil, err
	}
	if want == codestore.KindCode {
		if err := p.codes.Discard(ctx, opaque, ""); err != nil {
			return nil, err
		}
	}

	st := StrategyFor(provider)
	form := url.Values{"grant_type": {req.GrantType}}
	if want == codestore.KindCode {
		form.Set("code", entry.Payload.Value)
		form.Set("redirect_uri", cfg.Callback(p.baseURL))
		if req.CodeVerifier != "" {
			form.Set("code_verifier", req.CodeVerifier)
		}
	} else {
		form.Set("refresh_token", entry.Payload.Value)
		if req.Scope != "" {
			form.Set("scope", req.Scope)
		}
	}
	resp, err := p.post(ctx, cfg.TokenURL, st, cfg, form)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		p.log.Infow("upstream token error relayed", "provider", provider, "connector", connectorID, "status", resp.Status)
		return resp, nil
	}

	fields, format := parseBody(resp.ContentType, resp.Body)
	if format == formatUnknown {
		return resp, nil
	}
	if rt, ok := fields["refresh_token"].(string); ok && rt != "" {
		masked, err := p.codes.Issue(ctx, conn.ClientID, conn.ClientSecret, codestore.Payload{Kind: codestore.KindRefreshToken, Value: rt})
		if err != nil {
			return nil, err
		}
		fields["refresh_token"] = masked
		if want == codestore.KindRefreshToken && st.RotateRefreshToken {
			if err := p.codes.Discard(ctx, opaque, conn.ClientID); err != nil {
				p.log.Warnw("rotated refresh token not discarded", "provider", provider, "connector", connectorID, "err", err)
			}
		}
	}
	if err := st.rewrite(fields, cfg.ExtraFields); err != nil {
		return nil, err
	}
	body, err := encodeBody(fields, format)
	if err != nil {
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

type RevokeRequest struct {
	ClientID      string
	Token         string
	TokenTypeHint string
}

// Revoke deletes opaque refresh tokens locally and forwards access token
// revocation upstream without waiting for the outcome.
func (p *Proxy) Revoke(ctx context.Context, scope store.Scope, connectorID, provider string, req RevokeRequest) error {
	switch req.TokenTypeHint {
	case "refresh_token", "access_token":
	default:
		return problems.Validation("unsupported token_type_hint %q", req.TokenTypeHint)
	}
	// Past the hint check the caller always sees success (RFC 7009), so an
	// unknown connector or foreign client is only logged.
	conn, err := p.boundConnector(ctx, scope, connectorID, provider)
	if problems.Is(err, problems.KindPermission) {
		p.log.Infow("revoke ignored", "connector", connectorID, "provider", provider, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}
	if !equal(req.ClientID, conn.ClientID) {
		p.log.Infow("revoke ignored", "connector", connectorID, "provider", provider, "reason", "client_id mismatch")
		return nil
	}
	if req.Token == "" {
		return nil
	}

	if req.TokenTypeHint == "refresh_token" {
		if err := p.codes.Discard(ctx, req.Token, req.ClientID); err != nil {
			if errors.Is(err, codestore.ErrMismatch) {
				return nil
			}
			return err
		}
		return store.AwaitDeleted(ctx, func(ctx context.Context) error { return p.codes.Probe(ctx, req.Token) })
	}

	cfg, err := p.config(ctx, scope, provider)
	if err != nil {
		return err
	}
	if cfg.RevokeURL == "" {
		p.log.Infow("no revoke url configured, access token revoke skipped", "provider", provider)
		return nil
	}
	bg := context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(bg, p.timeout)
		defer cancel()
		form := url.Values{"token": {req.Token}, "token_type_hint": {req.TokenTypeHint}}
		resp, err := p.post(ctx, cfg.RevokeURL, StrategyFor(provider), cfg, form)
		if err != nil {
			p.log.Warnw("upstream revoke failed", "provider", provider, "err", err)
			return
		}
		p.log.Debugw("upstream revoke", "provider", provider, "status", resp.Status)
	}()
	return nil
}

// boundConnector loads the connector and checks it serves provider. Absence
// is reported as a permission error so connector ids cannot be enumerated.
func (p *Proxy) boundConnector(ctx context.Context, scope store.Scope, connectorID, provider string) (entities.Connector, error) {
	conn, err := p.connectors.Connector(ctx, scope, connectorID)
	if problems.Is(err, problems.KindNotFound) {
		return entities.Connector{}, problems.Permission("unknown connector")
	}
	if err != nil {
		return entities.Connector{}, err
	}
	if conn.Provider != provider {
		return entities.Connector{}, problems.Permission("connector does not use provider %s", provider)
	}
	return conn, nil
}

func (p *Proxy) config(ctx context.Context, scope store.Scope, provider string) (proxyconfig.Configuration, error) {
	cfg, err := p.configs.Lookup(ctx, scope, provider)
	if errors.Is(err, proxyconfig.ErrNotFound) {
		return cfg, problems.NotFound("no proxy configuration for %s", provider)
	}
	return cfg, err
}

func withQuery(raw string, q url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", problems.Validation("invalid redirect uri")
	}
	cur := u.Query()
	for k, vs := range q {
		cur[k] = vs
	}
	u.RawQuery = cur.Encode()
	return u.String(), nil
}

func equal(a, b string) bool { return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1 }
