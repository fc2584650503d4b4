package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedIncident(t *testing.T, m *Memory) domain.Incident {
	t.Helper()
	inc := domain.Incident{
		ID:        "inc-1",
		ClusterID: "cl-1",
		EventType: "flood",
		Status:    domain.StatusMonitor,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	ev := domain.LifecycleEvent{
		ID:          "ev-1",
		IncidentID:  inc.ID,
		ToStatus:    domain.StatusMonitor,
		TriggeredBy: domain.TriggerSystem,
		CreatedAt:   t0,
	}
	require.NoError(t, m.CreateIncident(context.Background(), inc, ev))
	return inc
}

func TestSaveSignal_Idempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sig := domain.Signal{ID: "sig-1", Source: "twitter"}

	inserted, err := m.SaveSignal(ctx, sig)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.SaveSignal(ctx, sig)
	require.NoError(t, err)
	assert.False(t, inserted, "replaying the same signal must not insert twice")
}

func TestSignalsByID_RoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sig := domain.Signal{
		ID:        "sig-1",
		Source:    "bmkg",
		Text:      "peringatan dini banjir",
		Geo:       domain.Geo{Lat: -6.2, Lng: 106.8},
		EventType: "flood",
		CreatedAt: t0,
	}
	_, err := m.SaveSignal(ctx, sig)
	require.NoError(t, err)

	got, err := m.SignalsByID(ctx, []string{"sig-1", "sig-missing"})
	require.NoError(t, err)
	require.Len(t, got, 1, "unknown ids are skipped, not errors")
	if diff := cmp.Diff(sig, got[0]); diff != "" {
		t.Fatalf("stored signal mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyTransition_CAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	inc := seedIncident(t, m)

	inc.Status = domain.StatusAlert
	inc.UpdatedAt = t0.Add(time.Minute)
	ev := domain.LifecycleEvent{
		ID:          "ev-2",
		IncidentID:  inc.ID,
		FromStatus:  domain.StatusMonitor,
		ToStatus:    domain.StatusAlert,
		TriggeredBy: domain.TriggerSystem,
		CreatedAt:   t0.Add(time.Minute),
	}
	require.NoError(t, m.ApplyTransition(ctx, inc, ev))

	// Replaying the same transition loses the compare-and-set: the incident
	// is no longer at monitor.
	err := m.ApplyTransition(ctx, inc, ev)
	assert.ErrorIs(t, err, domain.ErrTransitionConflict)

	got, err := m.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAlert, got.Status)

	events, err := m.LifecycleEvents(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestApplyTransition_ConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	inc := seedIncident(t, m)

	var wg sync.WaitGroup
	conflicts := 0
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := inc
			next.Status = domain.StatusAlert
			ev := domain.LifecycleEvent{
				ID:          "ev-race-" + string(rune('a'+i)),
				IncidentID:  inc.ID,
				FromStatus:  domain.StatusMonitor,
				ToStatus:    domain.StatusAlert,
				TriggeredBy: domain.TriggerSystem,
				CreatedAt:   t0.Add(time.Minute),
			}
			if err := m.ApplyTransition(ctx, next, ev); err != nil {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 9, conflicts, "exactly one racer may commit")
	events, err := m.LifecycleEvents(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEnqueueNotification_DedupPerStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	entry := domain.OutboxEntry{
		ID:               "out-1",
		UserID:           "u1",
		IncidentID:       "inc-1",
		UserPlaceID:      "p1",
		NotificationType: domain.StatusAlert,
		CreatedAt:        t0,
		ExpiresAt:        t0.Add(24 * time.Hour),
	}

	enqueued, err := m.EnqueueNotification(ctx, entry)
	require.NoError(t, err)
	assert.True(t, enqueued)

	// Same status again: deduplicated, no second outbox row.
	entry.ID = "out-2"
	enqueued, err = m.EnqueueNotification(ctx, entry)
	require.NoError(t, err)
	assert.False(t, enqueued)

	// Different status: one new entry.
	entry.ID = "out-3"
	entry.NotificationType = domain.StatusMonitor
	enqueued, err = m.EnqueueNotification(ctx, entry)
	require.NoError(t, err)
	assert.True(t, enqueued)

	pending, err := m.PendingNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	st, err := m.NotificationStateFor(ctx, "u1", "inc-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMonitor, st.LastNotifiedState)
}

func TestEnqueueNotification_DailyAggregate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := m.EnqueueNotification(ctx, domain.OutboxEntry{
			ID:               "out-" + user,
			UserID:           user,
			IncidentID:       "inc-1",
			UserPlaceID:      "p1",
			NotificationType: domain.StatusAlert,
			CreatedAt:        t0,
			ExpiresAt:        t0.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	stats, err := m.DailyStats(ctx, "2026-03-01")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "inc-1", stats[0].IncidentID)
	assert.Equal(t, 3, stats[0].NotifiedUserCount)
}

func TestSweepExpiredNotifications(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.EnqueueNotification(ctx, domain.OutboxEntry{
		ID: "out-1", UserID: "u1", IncidentID: "inc-1", UserPlaceID: "p1",
		NotificationType: domain.StatusAlert,
		CreatedAt:        t0, ExpiresAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)

	swept, err := m.SweepExpiredNotifications(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, swept)

	swept, err = m.SweepExpiredNotifications(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	pending, err := m.PendingNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPlacesNear(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AddPlaceWatch(ctx, domain.PlaceWatch{
		UserID: "u1", UserPlaceID: "home",
		Geo: domain.Geo{Lat: -6.21, Lng: 106.81},
	}))
	require.NoError(t, m.AddPlaceWatch(ctx, domain.PlaceWatch{
		UserID: "u2", UserPlaceID: "office",
		Geo: domain.Geo{Lat: -6.90, Lng: 107.60}, // Bandung, ~120 km away
	}))

	near, err := m.PlacesNear(ctx, domain.Geo{Lat: -6.2, Lng: 106.8}, 15)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "u1", near[0].UserID)
}

func TestGetIncident_NotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetIncident(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
