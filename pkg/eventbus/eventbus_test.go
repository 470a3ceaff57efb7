package eventbus

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBusMatchesGlobSubscription(t *testing.T) {
	bus := NewBus(4)
	sub, err := bus.Subscribe("plugin.*", "*")
	require.NoError(t, err)

	ce, err := NewCloudEvent("nexus", "plugin.installed", map[string]string{"id": "demo"})
	require.NoError(t, err)
	bus.Publish(ce)

	select {
	case got := <-sub.Events():
		assert.Equal(t, ce.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a matching event")
	}

	other, err := NewCloudEvent("nexus", "permission.revoked", nil)
	require.NoError(t, err)
	bus.Publish(other)

	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected delivery of non-matching event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventInsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ce, err := NewCloudEvent("nexus", "permission.revoked", nil)
	require.NoError(t, err)

	require.NoError(t, store.InsertEvent(ctx, ce))
	require.NoError(t, store.InsertEvent(ctx, ce), "a duplicate id must be silently ignored")
}

func TestClaimReadyMarksInFlightAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ce, err := NewCloudEvent("nexus", "plugin.started", map[string]string{"id": "demo"})
	require.NoError(t, err)
	require.NoError(t, store.InsertEvent(ctx, ce))
	require.NoError(t, store.InsertDeliveries(ctx, ce.ID, []RouteAction{EmitFrontend("ui")}))

	claimed, err := store.ClaimReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, StatusInFlight, claimed[0].Status)
	assert.Equal(t, ce.ID, claimed[0].Event.ID)

	again, err := store.ClaimReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "an in_flight row must never be claimed twice")
}

func TestMarkFailedReschedulesUntilMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ce, err := NewCloudEvent("nexus", "plugin.started", nil)
	require.NoError(t, err)
	require.NoError(t, store.InsertEvent(ctx, ce))
	require.NoError(t, store.InsertDeliveries(ctx, ce.ID, []RouteAction{EmitFrontend("ui")}))

	claimed, err := store.ClaimReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	require.NoError(t, store.MarkFailed(ctx, id, assertErr("boom")))

	var status DeliveryStatus
	var nextRetry time.Time
	require.NoError(t, store.db.GetContext(ctx, &status, `SELECT status FROM deliveries WHERE id = ?`, id))
	assert.Equal(t, StatusPending, status)
	require.NoError(t, store.db.GetContext(ctx, &nextRetry, `SELECT next_retry FROM deliveries WHERE id = ?`, id))
	assert.True(t, nextRetry.After(time.Now()), "next_retry must move into the future on failure")
}

func TestMarkFailedDeadLettersAtMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ce, err := NewCloudEvent("nexus", "plugin.started", nil)
	require.NoError(t, err)
	require.NoError(t, store.InsertEvent(ctx, ce))
	require.NoError(t, store.InsertDeliveries(ctx, ce.ID, []RouteAction{EmitFrontend("ui")}))

	var id int64
	for i := 0; i < DefaultMaxAttempts; i++ {
		claimed, err := store.ClaimReady(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		id = claimed[0].ID
		require.NoError(t, store.MarkFailed(ctx, id, assertErr("boom")))
		// force the next claim to be immediately due
		_, err = store.db.ExecContext(ctx, `UPDATE deliveries SET next_retry = ? WHERE id = ?`, time.Now().Add(-time.Second), id)
		require.NoError(t, err)
	}

	var status DeliveryStatus
	require.NoError(t, store.db.GetContext(ctx, &status, `SELECT status FROM deliveries WHERE id = ?`, id))
	assert.Equal(t, StatusDeadLetter, status)

	claimed, err := store.ClaimReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "dead-letter rows must never be reclaimed")

	count, err := store.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSweepStrandedReclaimsAbandonedInFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ce, err := NewCloudEvent("nexus", "plugin.started", nil)
	require.NoError(t, err)
	require.NoError(t, store.InsertEvent(ctx, ce))
	require.NoError(t, store.InsertDeliveries(ctx, ce.ID, []RouteAction{EmitFrontend("ui")}))

	claimed, err := store.ClaimReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	count, err := store.StrandedCount(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err := store.SweepStranded(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reclaimed, err := store.ClaimReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1, "a stranded row must become claimable again after the sweep")
}

func TestSweepRetentionDeletesOldEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ce, err := NewCloudEvent("nexus", "plugin.started", nil)
	require.NoError(t, err)
	require.NoError(t, store.InsertEvent(ctx, ce))

	_, err = store.db.ExecContext(ctx, `UPDATE events SET created_at = ? WHERE id = ?`, time.Now().Add(-8*24*time.Hour), ce.ID)
	require.NoError(t, err)

	n, err := store.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCloudEventJSONRoundTripWithExtensions(t *testing.T) {
	ce, err := NewCloudEvent("nexus:hub", "plugin.lifecycle.started", map[string]string{"plugin_id": "demo"})
	require.NoError(t, err)
	ce.Subject = "demo"
	ce.Extensions = map[string]string{"traceid": "abc123", "partition": "p-1"}

	first, err := json.Marshal(ce)
	require.NoError(t, err)

	var parsed CloudEvent
	require.NoError(t, json.Unmarshal(first, &parsed))
	assert.Equal(t, ce.ID, parsed.ID)
	assert.Equal(t, ce.Extensions, parsed.Extensions)

	second, err := json.Marshal(parsed)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second), "serialize-parse-serialize must be a fixed point")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
