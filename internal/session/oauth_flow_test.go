package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authproxy/internal/oauthproxy"
	"authproxy/pkg/codestore"
	"authproxy/pkg/entities"
	"authproxy/pkg/middleware"
	"authproxy/pkg/proxyconfig"
	"authproxy/pkg/store"
)

// oauthFlow serves the session surface and the OAuth proxy from one router,
// the way the service mounts them.
type oauthFlow struct {
	t      *testing.T
	router chi.Router
	repo   *entities.Repo
}

func appCallback(connectorID string) string { return "https://tenant.example/cb/" + connectorID }

func newOAuthFlow(t *testing.T) *oauthFlow {
	t.Helper()
	log := zap.NewNop().Sugar()
	ctx := context.Background()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		code := r.PostForm.Get("code")
		if r.URL.Path != "/token" || !strings.HasPrefix(code, "provider-code-") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + strings.TrimPrefix(code, "provider-code-"),
			"refresh_token": "rt",
			"token_type":    "bearer",
		})
	}))
	t.Cleanup(up.Close)

	repo := entities.NewRepo(store.NewMemory())
	master := store.Scope{AccountID: "acc-master", SubscriptionID: "sub-master"}
	var cfgs []proxyconfig.Configuration
	for _, st := range steps {
		require.NoError(t, repo.PutConnector(ctx, tenant, entities.Connector{
			ID: st.connector, Provider: st.name, ClientID: st.name + "-client", ClientSecret: st.name + "-secret",
			CallbackURL: appCallback(st.connector),
		}))
		cfgs = append(cfgs, proxyconfig.Configuration{
			Provider: st.name, Scope: master, ClientID: "proxy-id", ClientSecret: "proxy-secret",
			AuthorizationURL: up.URL + "/authorize", TokenURL: up.URL + "/token",
		})
	}
	require.NoError(t, repo.PutIntegration(ctx, tenant, entities.Integration{
		ID: "int-1",
		Components: []entities.Component{
			{Name: "slack", EntityType: entities.TypeConnector, EntityID: "c-slack"},
			{Name: "github", EntityType: entities.TypeConnector, EntityID: "c-github", DependsOn: []string{"slack"}},
			{Name: "jira", EntityType: entities.TypeConnector, EntityID: "c-jira", DependsOn: []string{"github"}},
		},
	}))

	svc := NewService(log, store.NewMemory(), repo, denyHost("evil.example"),
		NewMetrics(prometheus.NewRegistry()), Options{BaseURL: baseURL, TTL: time.Hour})
	proxy := oauthproxy.New(log, repo, proxyconfig.NewResolver(proxyconfig.NewMemory(log, cfgs...), master),
		codestore.NewService(codestore.NewMemory(), time.Minute, time.Hour), svc,
		oauthproxy.NewMetrics(prometheus.NewRegistry()), oauthproxy.Options{BaseURL: baseURL, UpstreamTimeout: 5 * time.Second})

	r := chi.NewRouter()
	r.Route("/v2/account/{accountId}/subscription/{subscriptionId}", func(r chi.Router) {
		r.Use(middleware.WithTenant())
		oauthproxy.RegisterHTTP(r, proxy)
		RegisterHTTP(r, svc, func(next http.Handler) http.Handler { return next })
	})
	oauthproxy.RegisterCallback(r, proxy)
	return &oauthFlow{t: t, router: r, repo: repo}
}

func (f *oauthFlow) serve(method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	if u, err := url.Parse(target); err == nil && u.IsAbs() {
		target = u.RequestURI()
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *oauthFlow) json(method, target string, v any) *httptest.ResponseRecorder {
	var rd io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		require.NoError(f.t, err)
		rd = bytes.NewReader(b)
	}
	return f.serve(method, target, "application/json", rd)
}

func (f *oauthFlow) location(rec *httptest.ResponseRecorder) *url.URL {
	require.Equal(f.t, http.StatusFound, rec.Code, rec.Body.String())
	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(f.t, err)
	return u
}

func (f *oauthFlow) authorize(connectorID, provider, sessionID string) *httptest.ResponseRecorder {
	q := url.Values{
		"client_id": {provider + "-client"}, "redirect_uri": {appCallback(connectorID)},
		"state": {"app-state"}, "session": {sessionID}, "response_type": {"code"},
	}
	return f.serve(http.MethodGet, tenantPath+"/connector/"+connectorID+"/proxy/"+provider+"/oauth/authorize?"+q.Encode(), "", nil)
}

func TestOAuthFlowThroughIntegrationSession(t *testing.T) {
	f := newOAuthFlow(t)

	rec := f.json(http.MethodPost, tenantPath+"/integration/int-1/session", map[string]any{"redirectUrl": appURL})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created struct{ ID string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	parent := created.ID
	start := tenantPath + "/integration/int-1/session/" + parent + "/start"

	for i, st := range steps {
		leaf := f.location(f.serve(http.MethodGet, start, "", nil))
		require.Equal(t, tenantPath+"/connector/"+st.connector+entities.DefaultAuthorizePath, leaf.Path)
		child := leaf.Query().Get("session")
		sessionCallback := leaf.Query().Get("redirect_uri")

		upstream := f.location(f.authorize(st.connector, st.name, child))
		assert.Equal(t, "proxy-id", upstream.Query().Get("client_id"))
		back := f.location(f.serve(http.MethodGet, "/v2/proxy/"+st.name+"/oauth/callback?"+url.Values{
			"state": {upstream.Query().Get("state")}, "code": {"provider-code-" + st.name},
		}.Encode(), "", nil))
		assert.Equal(t, appCallback(st.connector), back.Scheme+"://"+back.Host+back.Path)
		assert.Equal(t, "app-state", back.Query().Get("state"))

		form := url.Values{
			"grant_type": {"authorization_code"}, "code": {back.Query().Get("code")},
			"client_id": {st.name + "-client"}, "client_secret": {st.name + "-secret"},
		}
		rec = f.serve(http.MethodPost, tenantPath+"/connector/"+st.connector+"/proxy/"+st.name+"/oauth/token",
			"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var tok map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
		assert.Equal(t, "at-"+st.name, tok["access_token"])
		assert.NotEqual(t, "rt", tok["refresh_token"], "refresh token is masked")

		rec = f.json(http.MethodPut, tenantPath+"/connector/"+st.connector+"/session/"+child,
			map[string]any{"output": map[string]any{"accessToken": tok["access_token"]}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		next := f.location(f.serve(http.MethodGet, sessionCallback, "", nil))
		if i < len(steps)-1 {
			assert.Equal(t, start, next.Path)
		} else {
			assert.Equal(t, "app.example", next.Host)
			assert.Equal(t, parent, next.Query().Get("session"))
		}

		assert.Equal(t, http.StatusForbidden, f.authorize(st.connector, st.name, child).Code, "completed step %s", st.name)
	}

	rec = f.serve(http.MethodPost, tenantPath+"/integration/int-1/session/"+parent+"/commit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Payload, 4)
	for _, st := range steps {
		idn, err := f.repo.Identity(context.Background(), tenant, st.connector, out.Payload[st.name].EntityID)
		require.NoError(t, err)
		assert.Equal(t, "at-"+st.name, idn.Data["accessToken"])
	}
}
