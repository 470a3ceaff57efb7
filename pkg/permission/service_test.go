package permission

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := Open(filepath.Join(t.TempDir(), "permissions.json"))
	require.NoError(t, err)
	return svc
}

func TestHasPermissionIffActive(t *testing.T) {
	svc := newTestService(t)

	assert.False(t, svc.HasPermission("plugin-a", FilesystemRead()))

	require.NoError(t, svc.Grant("plugin-a", FilesystemRead(), nil))
	assert.True(t, svc.HasPermission("plugin-a", FilesystemRead()))

	require.NoError(t, svc.Defer("plugin-a", ProcessExec(), nil))
	assert.False(t, svc.HasPermission("plugin-a", ProcessExec()), "deferred state must never pass has_permission")

	require.NoError(t, svc.Revoke("plugin-a", FilesystemRead()))
	assert.False(t, svc.HasPermission("plugin-a", FilesystemRead()))
}

func TestRevokeSetsRevokedAtIffRevoked(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Grant("p", McpCall(), nil))

	g, ok := svc.GetGrant("p", McpCall())
	require.True(t, ok)
	assert.Nil(t, g.RevokedAt)

	require.NoError(t, svc.Revoke("p", McpCall()))
	g, ok = svc.GetGrant("p", McpCall())
	require.True(t, ok)
	assert.Equal(t, Revoked, g.State)
	assert.NotNil(t, g.RevokedAt)

	require.NoError(t, svc.Unrevoke("p", McpCall()))
	g, ok = svc.GetGrant("p", McpCall())
	require.True(t, ok)
	assert.Equal(t, Active, g.State)
	assert.Nil(t, g.RevokedAt)
}

func TestGrantRevokeUnrevokeRoundTripPreservesScopes(t *testing.T) {
	svc := newTestService(t)
	scopes := RestrictedTo("/home/user/project")
	require.NoError(t, svc.Grant("p", FilesystemRead(), scopes))

	require.NoError(t, svc.Revoke("p", FilesystemRead()))
	g, ok := svc.GetGrant("p", FilesystemRead())
	require.True(t, ok)
	assert.Equal(t, []string{"/home/user/project"}, g.ApprovedScopes.Values, "revoke must preserve approved_scopes")

	require.NoError(t, svc.Unrevoke("p", FilesystemRead()))
	g, ok = svc.GetGrant("p", FilesystemRead())
	require.True(t, ok)
	assert.Equal(t, []string{"/home/user/project"}, g.ApprovedScopes.Values)
}

func TestDeferActivateLeavesNoDeferredTrace(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Defer("p", DockerManage(), RestrictedEmpty()))
	require.NoError(t, svc.Activate("p", DockerManage()))

	state, ok := svc.GetState("p", DockerManage())
	require.True(t, ok)
	assert.Equal(t, Active, state)
}

func TestAddApprovedScopeNoopOnUnrestricted(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Grant("p", NetworkLocal(), Unrestricted()))

	require.NoError(t, svc.AddApprovedScope("p", NetworkLocal(), "10.0.0.0/8"))

	g, ok := svc.GetGrant("p", NetworkLocal())
	require.True(t, ok)
	assert.Nil(t, g.ApprovedScopes, "adding a scope to an unrestricted grant must stay unrestricted")
}

func TestAddApprovedScopeIdempotent(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Grant("p", NetworkLocal(), RestrictedEmpty()))

	require.NoError(t, svc.AddApprovedScope("p", NetworkLocal(), "10.0.0.0/8"))
	require.NoError(t, svc.AddApprovedScope("p", NetworkLocal(), "10.0.0.0/8"))

	g, _ := svc.GetGrant("p", NetworkLocal())
	assert.Equal(t, []string{"10.0.0.0/8"}, g.ApprovedScopes.Values)
}

func TestGrantRestoresRevokedInsteadOfDuplicating(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Grant("p", SystemInfo(), nil))
	require.NoError(t, svc.Revoke("p", SystemInfo()))
	require.NoError(t, svc.Grant("p", SystemInfo(), nil))

	grants := svc.GetGrants("p")
	count := 0
	for _, g := range grants {
		if g.Permission.String() == SystemInfo().String() {
			count++
		}
	}
	assert.Equal(t, 1, count)
	state, _ := svc.GetState("p", SystemInfo())
	assert.Equal(t, Active, state)
}

func TestRevokeAllRemovesEveryRecord(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Grant("p", SystemInfo(), nil))
	require.NoError(t, svc.Grant("p", McpCall(), nil))

	require.NoError(t, svc.RevokeAll("p"))
	assert.Empty(t, svc.GetGrants("p"))
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permissions.json")

	svc, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, svc.Grant("p", FilesystemWrite(), RestrictedTo("a", "b")))

	reloaded, err := Open(path)
	require.NoError(t, err)
	g, ok := reloaded.GetGrant("p", FilesystemWrite())
	require.True(t, ok)
	assert.Equal(t, Active, g.State)
	assert.Equal(t, []string{"a", "b"}, g.ApprovedScopes.Values)
}

func TestParseUnknownBuiltinRejected(t *testing.T) {
	_, ok := Parse("not:a:real:permission")
	assert.False(t, ok)

	p, ok := Parse("ext:github")
	require.True(t, ok)
	assert.True(t, p.IsExtension())
}

func TestPermissionJSONRoundTripIsFixedPoint(t *testing.T) {
	for _, p := range []Permission{SystemInfo(), FilesystemWrite(), McpCall(), Extension("github")} {
		first, err := json.Marshal(p)
		require.NoError(t, err)

		var parsed Permission
		require.NoError(t, json.Unmarshal(first, &parsed))
		assert.Equal(t, p, parsed)

		second, err := json.Marshal(parsed)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}
