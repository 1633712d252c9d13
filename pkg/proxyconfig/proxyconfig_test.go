package proxyconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authproxy/pkg/store"
)

var (
	master = store.Scope{AccountID: "acc-master", SubscriptionID: "sub-master"}
	tenant = store.Scope{AccountID: "acc-1", SubscriptionID: "sub-1"}
)

func TestResolver_FallsBackToDefaultScope(t *testing.T) {
	mem := NewMemory(zap.NewNop().Sugar(),
		Configuration{Provider: "slack", Scope: master, ClientID: "platform"},
		Configuration{Provider: "github", Scope: master, ClientID: "platform-gh"},
		Configuration{Provider: "github", Scope: tenant, ClientID: "tenant-gh"},
	)
	r := NewResolver(mem, master)
	ctx := context.Background()

	c, err := r.Lookup(ctx, tenant, "slack")
	require.NoError(t, err)
	assert.Equal(t, "platform", c.ClientID)

	c, err = r.Lookup(ctx, tenant, "github")
	require.NoError(t, err)
	assert.Equal(t, "tenant-gh", c.ClientID)

	_, err = r.Lookup(ctx, tenant, "reddit")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- provider: stackoverflow
  clientId: so-id
  clientSecret: so-secret
  authorizationUrl: https://stackoverflow.com/oauth
  tokenUrl: https://stackoverflow.com/oauth/access_token
  extraFields:
    key: app-key
    authorizeParams:
      scope: no_expiry
- provider: slack
  scope:
    accountId: acc-1
    subscriptionId: sub-1
  clientId: s
  clientSecret: s
  authorizationUrl: https://slack.com/oauth/v2/authorize
  tokenUrl: https://slack.com/api/oauth.v2.access
`), 0o600))

	cfgs, err := LoadFile(path, master)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, master, cfgs[0].Scope)
	assert.Equal(t, tenant, cfgs[1].Scope)
	assert.Equal(t, map[string]string{"scope": "no_expiry"}, cfgs[0].AuthorizeParams())
	assert.Equal(t, "https://proxy.example/v2/proxy/stackoverflow/oauth/callback", cfgs[0].Callback("https://proxy.example/"))
}

func TestLoadFile_RejectsIncompleteEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- provider: slack\n"), 0o600))
	_, err := LoadFile(path, master)
	assert.Error(t, err)
}
