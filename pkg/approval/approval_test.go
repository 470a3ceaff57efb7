package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-hub/nexus-core/pkg/permission"
)

func TestRequestApprovalRespectsRespond(t *testing.T) {
	var captured Request
	emitted := make(chan struct{}, 1)
	bridge := New(func(r Request) {
		captured = r
		emitted <- struct{}{}
	}, time.Second)

	done := make(chan Decision, 1)
	go func() {
		done <- bridge.RequestApproval(context.Background(), "plugin-a", permission.ProcessExec())
	}()

	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("expected the request to be emitted")
	}
	require.Equal(t, "plugin-a", captured.PluginID)

	bridge.Respond(captured.ID, Approve)

	select {
	case decision := <-done:
		assert.Equal(t, Approve, decision)
	case <-time.After(time.Second):
		t.Fatal("expected RequestApproval to resolve once Respond was called")
	}
}

func TestRequestApprovalTimesOutToDeny(t *testing.T) {
	bridge := New(nil, 30*time.Millisecond)
	decision := bridge.RequestApproval(context.Background(), "plugin-b", permission.NetworkInternet())
	assert.Equal(t, Deny, decision)
}

func TestRespondToUnknownRequestIsNoop(t *testing.T) {
	bridge := New(nil, time.Second)
	assert.NotPanics(t, func() { bridge.Respond("does-not-exist", Approve) })
}

func TestPendingCountTracksOutstandingRequests(t *testing.T) {
	bridge := New(nil, time.Second)
	assert.Equal(t, 0, bridge.PendingCount())

	go func() { bridge.RequestApproval(context.Background(), "plugin-c", permission.DockerManage()) }()

	require.Eventually(t, func() bool { return bridge.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
}
