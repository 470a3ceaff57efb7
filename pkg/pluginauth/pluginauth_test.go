package pluginauth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
	"github.com/nexus-hub/nexus-core/pkg/permission"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	perms, err := permission.Open(filepath.Join(t.TempDir(), "permissions.json"))
	require.NoError(t, err)

	oauth, err := oauthstore.Open(
		filepath.Join(t.TempDir(), "oauth_clients.json"),
		filepath.Join(t.TempDir(), "oauth_refresh.json"),
		perms,
		oauthstore.Options{},
	)
	require.NoError(t, err)

	auditWriter, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = auditWriter.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = auditWriter.Close()
	})

	return New(oauth, perms, auditWriter)
}

func TestInstallRegistersClient(t *testing.T) {
	svc := newTestService(t)
	client, secret, err := svc.Install("plugin-a", "Plugin A")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Equal(t, "plugin-a", client.PluginID)
}

func TestStartRotatesSecretAndRevokesTokens(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.perms.Grant("plugin-b", permission.McpCall(), nil))

	client, oldSecret, err := svc.Install("plugin-b", "Plugin B")
	require.NoError(t, err)

	access, err := svc.oauth.ExchangeClientCredentials(client.ID, oldSecret, nil)
	require.NoError(t, err)

	_, newSecret, err := svc.Start("plugin-b", "Plugin B")
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret, newSecret)

	_, ok := svc.oauth.ValidateAccessToken(access.Token)
	assert.False(t, ok, "prepare_start must revoke tokens minted under the old secret")

	assert.False(t, svc.oauth.VerifyClientSecret(client.ID, oldSecret))
	assert.True(t, svc.oauth.VerifyClientSecret(client.ID, newSecret))
}

func TestStartRegistersTransparentlyWhenClientMissing(t *testing.T) {
	svc := newTestService(t)
	client, secret, err := svc.Start("plugin-c", "Plugin C")
	require.NoError(t, err, "a legacy install with no client record must register one rather than fail")
	assert.NotEmpty(t, secret)
	assert.Equal(t, "plugin-c", client.PluginID)
}

func TestRemoveDeletesClientAndGrants(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.perms.Grant("plugin-d", permission.McpCall(), nil))
	client, _, err := svc.Install("plugin-d", "Plugin D")
	require.NoError(t, err)

	require.NoError(t, svc.Remove("plugin-d"))

	_, ok := svc.oauth.GetClient(client.ID)
	assert.False(t, ok)
	assert.Empty(t, svc.perms.GetGrants("plugin-d"))
}

func TestLifecycleEventsAreAudited(t *testing.T) {
	svc := newTestService(t)
	_, _, err := svc.Install("plugin-e", "Plugin E")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := svc.audit.Recent(context.Background(), 10)
		return err == nil && len(entries) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
