package oauthproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authproxy/pkg/codestore"
	"authproxy/pkg/entities"
	"authproxy/pkg/middleware"
	"authproxy/pkg/proxyconfig"
	"authproxy/pkg/store"
)

const (
	baseURL     = "https://proxy.example"
	tenantCB    = "https://tenant.example/cb"
	tenantPath  = "/v2/account/acc-1/subscription/sub-1"
	liveSession = "sid-live"
)

var tenant = store.Scope{AccountID: "acc-1", SubscriptionID: "sub-1"}

type liveSessions map[string]bool

func (l liveSessions) CheckLive(_ context.Context, _ store.Scope, connectorID, sessionID string) error {
	if l[connectorID+"/"+sessionID] {
		return nil
	}
	return errors.New("session not live")
}

// upstream is a fake provider token endpoint.
type upstream struct {
	srv     *httptest.Server
	mu      sync.Mutex
	forms   []url.Values
	auths   []string
	revokes atomic.Int32
	reply   func(form url.Values) (int, string, string)
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{}
	u.reply = func(form url.Values) (int, string, string) {
		switch {
		case form.Get("grant_type") == "authorization_code" && form.Get("code") == "provider-code":
			return 200, "application/json", `{"access_token":"X","refresh_token":"Y","token_type":"bearer","expires_in":3600}`
		case form.Get("grant_type") == "refresh_token" && strings.HasPrefix(form.Get("refresh_token"), "Y"):
			return 200, "application/json", `{"access_token":"X2","refresh_token":"Y2","token_type":"bearer"}`
		}
		return 400, "application/json", `{"error":"invalid_grant"}`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		u.mu.Lock()
		u.forms = append(u.forms, r.PostForm)
		u.auths = append(u.auths, r.Header.Get("Authorization"))
		u.mu.Unlock()
		status, ct, body := u.reply(r.PostForm)
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, _ *http.Request) {
		u.revokes.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) lastForm() (url.Values, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.forms) == 0 {
		return nil, ""
	}
	return u.forms[len(u.forms)-1], u.auths[len(u.auths)-1]
}

func (u *upstream) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.forms)
}

type fixture struct {
	proxy  *Proxy
	router chi.Router
	up     *upstream
	codes  *codestore.Service
}

func newFixture(t *testing.T, provider string) *fixture {
	t.Helper()
	up := newUpstream(t)
	repo := entities.NewRepo(store.NewMemory())
	ctx := context.Background()
	for _, c := range []entities.Connector{
		{ID: "c1", Provider: provider, ClientID: "local-id", ClientSecret: "local-secret", CallbackURL: tenantCB},
		{ID: "c2", Provider: provider, ClientID: "other-id", ClientSecret: "other-secret", CallbackURL: tenantCB},
	} {
		require.NoError(t, repo.PutConnector(ctx, tenant, c))
	}
	master := store.Scope{AccountID: "acc-master", SubscriptionID: "sub-master"}
	configs := proxyconfig.NewResolver(proxyconfig.NewMemory(zap.NewNop().Sugar(), proxyconfig.Configuration{
		Provider: provider, Scope: master, ClientID: "proxy-id", ClientSecret: "proxy-secret",
		AuthorizationURL: up.srv.URL + "/authorize", TokenURL: up.srv.URL + "/token", RevokeURL: up.srv.URL + "/revoke",
		ExtraFields: map[string]any{"key": "app-key", "authorizeParams": map[string]any{"duration": "permanent"}},
	}), master)
	codes := codestore.NewService(codestore.NewMemory(), time.Minute, time.Hour)
	p := New(zap.NewNop().Sugar(), repo, configs, codes, liveSessions{"c1/" + liveSession: true},
		NewMetrics(prometheus.NewRegistry()), Options{BaseURL: baseURL, UpstreamTimeout: 5 * time.Second})

	r := chi.NewRouter()
	r.Route("/v2/account/{accountId}/subscription/{subscriptionId}", func(r chi.Router) {
		r.Use(middleware.WithTenant())
		RegisterHTTP(r, p)
	})
	RegisterCallback(r, p)
	return &fixture{proxy: p, router: r, up: up, codes: codes}
}

func (f *fixture) get(path string, q url.Values) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path+"?"+q.Encode(), nil))
	return rec
}

func (f *fixture) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func oauthPath(provider, op string) string {
	return tenantPath + "/connector/c1/proxy/" + provider + "/oauth/" + op
}

func authorizeQuery() url.Values {
	return url.Values{
		"client_id": {"local-id"}, "redirect_uri": {tenantCB}, "state": {"caller-state"},
		"session": {liveSession}, "response_type": {"code"}, "scope": {"read write"},
	}
}

// authorizeAndCallback runs the browser leg and returns the opaque code.
func (f *fixture) authorizeAndCallback(t *testing.T, provider string) string {
	t.Helper()
	rec := f.get(oauthPath(provider, "authorize"), authorizeQuery())
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	up, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	rec = f.get("/v2/proxy/"+provider+"/oauth/callback", url.Values{"state": {up.Query().Get("state")}, "code": {"provider-code"}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	back, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "caller-state", back.Query().Get("state"))
	code := back.Query().Get("code")
	require.NotEmpty(t, code)
	assert.NotEqual(t, "provider-code", code)
	return code
}

func tokenForm(grant, key, value string) url.Values {
	return url.Values{"grant_type": {grant}, key: {value}, "client_id": {"local-id"}, "client_secret": {"local-secret"}}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestAuthorize_RedirectsUpstreamWithProxyIdentity(t *testing.T) {
	f := newFixture(t, "slack")
	q := authorizeQuery()
	q.Set("code_challenge", "chal")
	q.Set("code_challenge_method", "S256")
	rec := f.get(oauthPath("slack", "authorize"), q)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, f.up.srv.URL+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	got := loc.Query()
	assert.Equal(t, "proxy-id", got.Get("client_id"))
	assert.Equal(t, baseURL+"/v2/proxy/slack/oauth/callback", got.Get("redirect_uri"))
	assert.Equal(t, "code", got.Get("response_type"))
	assert.Equal(t, "read write", got.Get("scope"))
	assert.Equal(t, "chal", got.Get("code_challenge"))
	assert.Equal(t, "S256", got.Get("code_challenge_method"))
	assert.Equal(t, "permanent", got.Get("duration"))

	st, err := DecodeState(got.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "c1", st.ConnectorID)
	assert.Equal(t, liveSession, st.SessionID)
	assert.Equal(t, "caller-state", st.CallerState)
	assert.Equal(t, tenant, st.Scope())
}

func TestAuthorize_PermissionFailures(t *testing.T) {
	f := newFixture(t, "slack")
	cases := map[string]func(url.Values){
		"redirect mismatch":   func(q url.Values) { q.Set("redirect_uri", tenantCB+"/other") },
		"client mismatch":     func(q url.Values) { q.Set("client_id", "other-id") },
		"session not live":    func(q url.Values) { q.Set("session", "sid-gone") },
		"missing session":     func(q url.Values) { q.Del("session"); q.Del("state") },
		"redirect mismatch 2": func(q url.Values) { q.Set("redirect_uri", "https://evil.test/cb"); q.Set("client_id", "x") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			q := authorizeQuery()
			mutate(q)
			rec := f.get(oauthPath("slack", "authorize"), q)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
	rec := f.get(tenantPath+"/connector/nope/proxy/slack/oauth/authorize", authorizeQuery())
	assert.Equal(t, http.StatusForbidden, rec.Code, "unknown connector is not disclosed")
	rec = f.get(tenantPath+"/connector/c1/proxy/github/oauth/authorize", authorizeQuery())
	assert.Equal(t, http.StatusForbidden, rec.Code, "provider must match the connector")
}

func TestTokenLifecycle(t *testing.T) {
	f := newFixture(t, "slack")
	code := f.authorizeAndCallback(t, "slack")
	assert.Zero(t, f.up.calls(), "callback does not contact the token endpoint")

	rec := f.post(oauthPath("slack", "token"), tokenForm("authorization_code", "code", code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, "X", body["access_token"])
	refresh, _ := body["refresh_token"].(string)
	require.NotEmpty(t, refresh)
	assert.NotEqual(t, "Y", refresh)

	form, auth := f.up.lastForm()
	assert.Equal(t, "provider-code", form.Get("code"))
	assert.Equal(t, "proxy-id", form.Get("client_id"))
	assert.Equal(t, "proxy-secret", form.Get("client_secret"))
	assert.Equal(t, baseURL+"/v2/proxy/slack/oauth/callback", form.Get("redirect_uri"))
	assert.Empty(t, auth)

	rec = f.post(oauthPath("slack", "token"), tokenForm("authorization_code", "code", code))
	assert.Equal(t, http.StatusNotFound, rec.Code, "codes are single use")

	rec = f.post(oauthPath("slack", "token"), tokenForm("refresh_token", "refresh_token", refresh))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, "X2", body["access_token"])
	assert.NotEqual(t, "Y2", body["refresh_token"])
	form, _ = f.up.lastForm()
	assert.Equal(t, "Y", form.Get("refresh_token"))
	require.NoError(t, f.codes.Probe(context.Background(), refresh), "non-rotating providers keep the old opaque token")

	rec = f.post(oauthPath("slack", "revoke"), url.Values{"client_id": {"local-id"}, "token": {refresh}, "token_type_hint": {"refresh_token"}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.post(oauthPath("slack", "token"), tokenForm("refresh_token", "refresh_token", refresh))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, f.up.revokes.Load(), "refresh tokens are revoked locally")
}

func TestRevoke_AccessTokenForwardedOnce(t *testing.T) {
	f := newFixture(t, "slack")
	code := f.authorizeAndCallback(t, "slack")
	rec := f.post(oauthPath("slack", "token"), tokenForm("authorization_code", "code", code))
	require.Equal(t, http.StatusOK, rec.Code)
	refresh := decode(t, rec)["refresh_token"].(string)

	rec = f.post(oauthPath("slack", "revoke"), url.Values{"client_id": {"local-id"}, "token": {"X"}, "token_type_hint": {"access_token"}})
	assert.Equal(t, http.StatusOK, rec.Code, "upstream failure is not surfaced")
	f.proxy.Wait()
	assert.EqualValues(t, 1, f.up.revokes.Load())
	assert.NoError(t, f.codes.Probe(context.Background(), refresh))
}

func TestRevoke_Validation(t *testing.T) {
	f := newFixture(t, "slack")
	rec := f.post(oauthPath("slack", "revoke"), url.Values{"client_id": {"local-id"}, "token": {"t"}, "token_type_hint": {"id_token"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevoke_ForeignCallersGetSuccessWithoutEffect(t *testing.T) {
	f := newFixture(t, "slack")
	code := f.authorizeAndCallback(t, "slack")
	rec := f.post(oauthPath("slack", "token"), tokenForm("authorization_code", "code", code))
	require.Equal(t, http.StatusOK, rec.Code)
	refresh := decode(t, rec)["refresh_token"].(string)

	revoke := url.Values{"client_id": {"other-id"}, "token": {refresh}, "token_type_hint": {"refresh_token"}}
	assert.Equal(t, http.StatusOK, f.post(oauthPath("slack", "revoke"), revoke).Code, "client mismatch")
	revoke.Set("client_id", "local-id")
	assert.Equal(t, http.StatusOK, f.post(tenantPath+"/connector/nope/proxy/slack/oauth/revoke", revoke).Code, "unknown connector")
	assert.Equal(t, http.StatusOK, f.post(tenantPath+"/connector/c2/proxy/slack/oauth/revoke", revoke).Code, "another connector's client")

	assert.NoError(t, f.codes.Probe(context.Background(), refresh))
	f.proxy.Wait()
	assert.Zero(t, f.up.revokes.Load())
}

func TestToken_CredentialAndBindingChecks(t *testing.T) {
	f := newFixture(t, "slack")
	code := f.authorizeAndCallback(t, "slack")

	bad := tokenForm("authorization_code", "code", code)
	bad.Set("client_secret", "guess")
	assert.Equal(t, http.StatusForbidden, f.post(oauthPath("slack", "token"), bad).Code)

	other := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {"other-id"}, "client_secret": {"other-secret"}}
	rec := f.post(tenantPath+"/connector/c2/proxy/slack/oauth/token", other)
	assert.Equal(t, http.StatusForbidden, rec.Code, "code bound to another connector's client")

	assert.Equal(t, http.StatusBadRequest, f.post(oauthPath("slack", "token"), tokenForm("password", "code", code)).Code)
	assert.Equal(t, http.StatusNotFound, f.post(oauthPath("slack", "token"), tokenForm("authorization_code", "code", "unknown")).Code)
	assert.Zero(t, f.up.calls())

	// The code survived the failed attempts.
	req := httptest.NewRequest(http.MethodPost, oauthPath("slack", "token"), strings.NewReader(url.Values{"grant_type": {"authorization_code"}, "code": {code}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("local-id", "local-secret")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "client_secret_basic is accepted")
}

func TestToken_MissingConfigurationKeepsCode(t *testing.T) {
	f := newFixture(t, "slack")
	code := f.authorizeAndCallback(t, "slack")

	configs := f.proxy.configs
	f.proxy.configs = proxyconfig.NewResolver(proxyconfig.NewMemory(zap.NewNop().Sugar()), tenant)
	rec := f.post(oauthPath("slack", "token"), tokenForm("authorization_code", "code", code))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, f.up.calls())

	f.proxy.configs = configs
	rec = f.post(oauthPath("slack", "token"), tokenForm("authorization_code", "code", code))
	assert.Equal(t, http.StatusOK, rec.Code, "the code was not consumed by the failed attempt")
}

func TestToken_UpstreamErrorPassesThrough(t *testing.T) {
	f := newFixture(t, "slack")
	code, err := f.codes.Issue(context.Background(), "local-id", "local-secret", codestore.Payload{Kind: codestore.KindCode, Value: "expired-provider-code"})
	require.NoError(t, err)

	rec := f.post(oauthPath("slack", "token"), tokenForm("authorization_code", "code", code))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"invalid_grant"}`, rec.Body.String())
}

func TestCallback_ForwardsProviderError(t *testing.T) {
	f := newFixture(t, "slack")
	rec := f.get(oauthPath("slack", "authorize"), authorizeQuery())
	require.Equal(t, http.StatusFound, rec.Code)
	loc, _ := url.Parse(rec.Header().Get("Location"))

	rec = f.get("/v2/proxy/slack/oauth/callback", url.Values{
		"state": {loc.Query().Get("state")}, "error": {"access_denied"}, "error_description": {"user said no"},
	})
	require.Equal(t, http.StatusFound, rec.Code)
	back, _ := url.Parse(rec.Header().Get("Location"))
	assert.Equal(t, "access_denied", back.Query().Get("error"))
	assert.Equal(t, "user said no", back.Query().Get("error_description"))
	assert.Equal(t, "caller-state", back.Query().Get("state"))
	assert.Empty(t, back.Query().Get("code"))
	assert.Zero(t, f.up.calls())
}

func TestCallback_TamperedState(t *testing.T) {
	f := newFixture(t, "slack")
	good, err := State{AccountID: "acc-1", SubscriptionID: "sub-1", ConnectorID: "c1", Provider: "slack",
		SessionID: liveSession, RedirectURI: tenantCB}.Encode()
	require.NoError(t, err)

	for name, state := range map[string]string{
		"missing":  "",
		"garbage":  "not-a-state",
		"partial":  "eyJ2IjoxLCJhY2NvdW50SWQiOiJhY2MtMSJ9",
		"provider": good,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.get("/v2/proxy/github/oauth/callback", url.Values{"state": {state}, "code": {"c"}})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	moved, err := State{AccountID: "acc-1", SubscriptionID: "sub-1", ConnectorID: "c1", Provider: "slack",
		SessionID: liveSession, RedirectURI: "https://evil.test/cb"}.Encode()
	require.NoError(t, err)
	rec := f.get("/v2/proxy/slack/oauth/callback", url.Values{"state": {moved}, "code": {"c"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestVariant_TwitterBasicAuthAndRotation(t *testing.T) {
	f := newFixture(t, "twitter")
	code := f.authorizeAndCallback(t, "twitter")
	rec := f.post(oauthPath("twitter", "token"), tokenForm("authorization_code", "code", code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	form, auth := f.up.lastForm()
	assert.True(t, strings.HasPrefix(auth, "Basic "))
	assert.Empty(t, form.Get("client_secret"))

	refresh := decode(t, rec)["refresh_token"].(string)
	rec = f.post(oauthPath("twitter", "token"), tokenForm("refresh_token", "refresh_token", refresh))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.post(oauthPath("twitter", "token"), tokenForm("refresh_token", "refresh_token", refresh)).Code,
		"rotated refresh tokens are single use")
}

func TestVariant_StackOverflowFormResponse(t *testing.T) {
	f := newFixture(t, "stackoverflow")
	f.up.reply = func(url.Values) (int, string, string) {
		return 200, "application/x-www-form-urlencoded", "access_token=so-token&expires=86400"
	}
	code := f.authorizeAndCallback(t, "stackoverflow")
	rec := f.post(oauthPath("stackoverflow", "token"), tokenForm("authorization_code", "code", code))
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := url.ParseQuery(rec.Body.String())
	require.NoError(t, err)
	assert.Equal(t, "so-token", got.Get("access_token"))
	assert.Equal(t, "86400", got.Get("expires_in"))
	assert.Equal(t, "app-key", got.Get("key"))
	assert.Empty(t, got.Get("expires"))
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, "slack")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, oauthPath("slack", "token"), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
