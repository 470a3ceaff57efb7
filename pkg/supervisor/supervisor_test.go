package supervisor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-hub/nexus-core/pkg/eventbus"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
	"github.com/nexus-hub/nexus-core/pkg/permission"
	"github.com/nexus-hub/nexus-core/pkg/pluginauth"
)

type fakeRuntime struct {
	containers map[string]string // container id -> plugin id label
	started    []string
	stopped    []string
	removed    []string
}

func (f *fakeRuntime) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	var out []container.Summary
	for id, plugin := range f.containers {
		out = append(out, container.Summary{ID: id, Labels: map[string]string{containerLabel: plugin}})
	}
	return out, nil
}

func newAuth(t *testing.T) (*pluginauth.Service, *oauthstore.Store) {
	t.Helper()
	dir := t.TempDir()
	perms, err := permission.Open(filepath.Join(dir, "permissions.json"))
	require.NoError(t, err)
	oauth, err := oauthstore.Open(filepath.Join(dir, "clients.json"), filepath.Join(dir, "refresh.json"), perms, oauthstore.Options{})
	require.NoError(t, err)
	return pluginauth.New(oauth, perms, nil), oauth
}

func TestStartRotatesCredentialsBeforeContainer(t *testing.T) {
	auth, oauth := newAuth(t)
	_, firstSecret, err := auth.Install("plug-1", "Plug One")
	require.NoError(t, err)

	rt := &fakeRuntime{containers: map[string]string{"c-1": "plug-1"}}
	sup := New(rt, auth, nil, nil)

	require.NoError(t, sup.StartPlugin(context.Background(), "plug-1", "Plug One"))
	assert.Equal(t, []string{"c-1"}, rt.started)

	// The install-time secret must no longer verify after the rotate.
	client, ok := oauth.ClientByPluginID("plug-1")
	require.True(t, ok)
	assert.False(t, oauth.VerifyClientSecret(client.ID, firstSecret))
}

func TestStartFailsWithoutContainer(t *testing.T) {
	auth, _ := newAuth(t)
	rt := &fakeRuntime{containers: map[string]string{}}
	sup := New(rt, auth, nil, nil)

	err := sup.StartPlugin(context.Background(), "plug-ghost", "Ghost")
	require.Error(t, err)
	assert.Empty(t, rt.started)
}

func TestStopAndRemoveLifecycle(t *testing.T) {
	auth, oauth := newAuth(t)
	_, _, err := auth.Install("plug-1", "Plug One")
	require.NoError(t, err)

	rt := &fakeRuntime{containers: map[string]string{"c-1": "plug-1"}}
	sup := New(rt, auth, nil, nil)

	require.NoError(t, sup.StopPlugin(context.Background(), "plug-1"))
	assert.Equal(t, []string{"c-1"}, rt.stopped)
	_, ok := oauth.ClientByPluginID("plug-1")
	assert.True(t, ok, "stop keeps the client record")

	require.NoError(t, sup.RemovePlugin(context.Background(), "plug-1"))
	assert.Equal(t, []string{"c-1"}, rt.removed)
	_, ok = oauth.ClientByPluginID("plug-1")
	assert.False(t, ok, "remove deletes the client record")
}

func TestDispatchRouting(t *testing.T) {
	auth, _ := newAuth(t)
	rt := &fakeRuntime{containers: map[string]string{"c-1": "plug-1"}}

	var invoked []string
	var emitted []string
	sup := New(rt, auth,
		func(channel string, _ json.RawMessage) { emitted = append(emitted, channel) },
		func(_ context.Context, pluginID, tool string, _ json.RawMessage) error {
			invoked = append(invoked, pluginID+"/"+tool)
			return nil
		},
	)

	ce, err := eventbus.NewCloudEvent("test", "test.event", map[string]string{"k": "v"})
	require.NoError(t, err)

	require.NoError(t, sup.Dispatch(context.Background(), eventbus.InvokePluginTool("plug-1", "do-thing", nil), ce))
	assert.Equal(t, []string{"plug-1/do-thing"}, invoked)

	require.NoError(t, sup.Dispatch(context.Background(), eventbus.EmitFrontend("notifications"), ce))
	assert.Equal(t, []string{"notifications"}, emitted)

	err = sup.Dispatch(context.Background(), eventbus.InvokePluginTool("plug-ghost", "do-thing", nil), ce)
	assert.Error(t, err, "a plugin without a container is a retriable failure")
}
