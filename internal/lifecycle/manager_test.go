package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/disaster-incident-service/internal/config"
	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/observability"
	"github.com/couchcryptid/disaster-incident-service/internal/scoring"
	"github.com/couchcryptid/disaster-incident-service/internal/store"
	"github.com/couchcryptid/disaster-incident-service/internal/trust"
)

func testPolicy() config.Policy {
	return config.Policy{
		ClusterRadiusKM:    10,
		ClusterIdleWindow:  30 * time.Minute,
		PromotionThreshold: 0.35,
		AlertThreshold:     0.70,
		SuppressFloor:      0.15,
		OfficialFloor:      0.70,
		DiversityBonus:     1.15,
		VerificationDelta:  0.05,
		ResolveWeight:      1.0,
		AIMergeWeight:      0.40,
		NotifyRadiusKM:     15,
		NotificationTTL:    24 * time.Hour,
	}
}

type fixture struct {
	mgr   *Manager
	store *store.Memory
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, evaluator scoring.Evaluator) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	scorer := scoring.New(trust.Default(), testPolicy())
	mgr := New(mem, scorer, evaluator, testPolicy(), clock,
		slog.New(slog.DiscardHandler), observability.NewMetricsForTesting())
	return &fixture{mgr: mgr, store: mem, clock: clock}
}

// seedCluster stores n signals from the given sources and a cluster holding
// them, returning the cluster.
func (f *fixture) seedCluster(t *testing.T, id string, sources ...string) domain.Cluster {
	t.Helper()
	ctx := context.Background()
	c := domain.Cluster{
		ID:        id,
		City:      "jakarta",
		Centroid:  domain.Geo{Lat: -6.2, Lng: 106.8},
		TimeStart: f.clock.Now().Add(-10 * time.Minute),
		TimeEnd:   f.clock.Now(),
		Status:    domain.ClusterOpen,
	}
	for i, src := range sources {
		sig := domain.Signal{
			ID:        fmt.Sprintf("%s-sig-%d", id, i),
			Source:    src,
			Text:      "banjir di kemang",
			Geo:       domain.Geo{Lat: -6.2, Lng: 106.8},
			EventType: "flood",
			CreatedAt: f.clock.Now(),
		}
		_, err := f.store.SaveSignal(ctx, sig)
		require.NoError(t, err)
		c.SignalIDs = append(c.SignalIDs, sig.ID)
	}
	require.NoError(t, f.store.SaveCluster(ctx, c))
	return c
}

func TestEvaluateClusterBelowPromotionThreshold(t *testing.T) {
	f := newFixture(t, nil)

	// One social post: 0.20, under the 0.35 promotion threshold.
	c := f.seedCluster(t, "cl-1", "twitter")
	inc, events, err := f.mgr.EvaluateCluster(context.Background(), c)

	require.NoError(t, err)
	assert.Nil(t, inc)
	assert.Empty(t, events)
}

func TestEvaluateClusterPromotesAtMonitor(t *testing.T) {
	f := newFixture(t, nil)

	// Two social posts, same category so no diversity bonus: 0.40, above
	// promotion, below alert.
	c := f.seedCluster(t, "cl-1", "twitter", "tiktok")
	inc, evs, err := f.mgr.EvaluateCluster(context.Background(), c)

	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, domain.StatusMonitor, inc.Status)
	assert.Equal(t, "cl-1", inc.ClusterID)
	assert.Contains(t, inc.Summary, "flood")
	require.Len(t, evs, 1, "creation only, no further transition")
	assert.Equal(t, domain.StatusMonitor, evs[0].ToStatus)

	events, err := f.store.LifecycleEvents(context.Background(), inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.Status(""), events[0].FromStatus)
	assert.Equal(t, domain.StatusMonitor, events[0].ToStatus)
	assert.Equal(t, domain.TriggerSystem, events[0].TriggeredBy)
}

func TestEvaluateClusterOfficialEscalatesThroughMonitor(t *testing.T) {
	f := newFixture(t, nil)

	// An official source lifts the score to the official floor (0.70), which
	// warrants alert. Creation still passes through monitor first.
	c := f.seedCluster(t, "cl-1", "bmkg")
	inc, evs, err := f.mgr.EvaluateCluster(context.Background(), c)

	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, domain.StatusAlert, inc.Status)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.StatusMonitor, evs[0].ToStatus)
	assert.Equal(t, domain.StatusMonitor, evs[1].FromStatus)
	assert.Equal(t, domain.StatusAlert, evs[1].ToStatus)

	events, err := f.store.LifecycleEvents(context.Background(), inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.StatusMonitor, events[0].ToStatus)
	assert.Equal(t, domain.StatusAlert, events[1].ToStatus)
}

func TestEvaluateClusterExistingIncidentReevaluated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := f.seedCluster(t, "cl-1", "twitter", "tiktok")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)
	require.Equal(t, domain.StatusMonitor, inc.Status)

	// A BMKG bulletin joins the cluster; re-evaluation escalates to alert
	// with exactly one new lifecycle event.
	sig := domain.Signal{
		ID:        "cl-1-sig-official",
		Source:    "bmkg",
		Text:      "peringatan banjir",
		Geo:       domain.Geo{Lat: -6.2, Lng: 106.8},
		EventType: "flood",
		CreatedAt: f.clock.Now(),
	}
	_, err = f.store.SaveSignal(ctx, sig)
	require.NoError(t, err)
	c.SignalIDs = append(c.SignalIDs, sig.ID)
	require.NoError(t, f.store.SaveCluster(ctx, c))

	updated, evs, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAlert, updated.Status)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.StatusMonitor, evs[0].FromStatus)
	assert.Equal(t, domain.StatusAlert, evs[0].ToStatus)

	events, err := f.store.LifecycleEvents(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReevaluateNoChangeUpdatesScoreOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := f.seedCluster(t, "cl-1", "twitter", "tiktok")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	ev, err := f.mgr.Reevaluate(ctx, inc.ID)
	require.NoError(t, err)
	assert.Nil(t, ev)

	current, err := f.store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMonitor, current.Status)
	assert.Equal(t, f.clock.Now().UTC(), current.UpdatedAt)
}

func TestVerificationFalseDrivesSuppression(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// One user report: 0.40, promoted at monitor.
	c := f.seedCluster(t, "cl-1", "user_report")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)
	require.Equal(t, domain.StatusMonitor, inc.Status)

	// Six "false" votes from full-reputation users: 0.40 - 6*0.05 = 0.10,
	// below the 0.15 suppression floor.
	var last *domain.LifecycleEvent
	for i := 0; i < 6; i++ {
		last, err = f.mgr.AddVerification(ctx, domain.Verification{
			IncidentID: inc.ID,
			UserID:     fmt.Sprintf("user-%d", i),
			Type:       domain.VerifyFalse,
			Reputation: 1.0,
		})
		require.NoError(t, err)
	}

	require.NotNil(t, last)
	assert.Equal(t, domain.StatusSuppress, last.ToStatus)

	current, err := f.store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuppress, current.Status)

	// Suppressed incidents do not move automatically even if evidence recovers.
	ev, err := f.mgr.Reevaluate(ctx, inc.ID)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestResolvedVerificationsAutoResolve(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := f.seedCluster(t, "cl-1", "twitter", "tiktok")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)

	// Two resolved votes at reputation 0.5 sum to the 1.0 resolve weight.
	_, err = f.mgr.AddVerification(ctx, domain.Verification{
		IncidentID: inc.ID, UserID: "u1", Type: domain.VerifyResolved, Reputation: 0.5,
	})
	require.NoError(t, err)
	ev, err := f.mgr.AddVerification(ctx, domain.Verification{
		IncidentID: inc.ID, UserID: "u2", Type: domain.VerifyResolved, Reputation: 0.5,
	})
	require.NoError(t, err)

	require.NotNil(t, ev)
	assert.Equal(t, domain.StatusResolved, ev.ToStatus)

	// Resolution is sticky for automatic re-evaluation.
	again, err := f.mgr.Reevaluate(ctx, inc.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestAlertDropsBackToMonitorWithoutOfficial(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Four non-official sources across three categories: weight sum capped
	// at 1.0, so the score lands at alert.
	c := f.seedCluster(t, "cl-1", "twitter", "tiktok", "user_report", "rss")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAlert, inc.Status)

	// The cluster shrinks to two weak social posts (0.40): back to monitor.
	c.SignalIDs = c.SignalIDs[:2]
	require.NoError(t, f.store.SaveCluster(ctx, c))

	ev, err := f.mgr.Reevaluate(ctx, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.StatusAlert, ev.FromStatus)
	assert.Equal(t, domain.StatusMonitor, ev.ToStatus)
}

func TestAlertHoldsWithOfficialPresence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := f.seedCluster(t, "cl-1", "bmkg")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAlert, inc.Status)

	// Official floor keeps the incident at alert; no oscillation.
	ev, err := f.mgr.Reevaluate(ctx, inc.ID)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

type stubEvaluator struct {
	eval domain.Evaluation
	err  error
}

func (s *stubEvaluator) Evaluate(context.Context, domain.Incident, []domain.Signal) (domain.Evaluation, error) {
	return s.eval, s.err
}

func TestAIRecommendationEscalates(t *testing.T) {
	f := newFixture(t, &stubEvaluator{eval: domain.Evaluation{
		ConfidenceScore:   0.55,
		Consistency:       domain.ConsistencyStrong,
		RecommendedAction: domain.ActionAlert,
	}})
	ctx := context.Background()

	// Rule score 0.40, merged 0.40*0.6 + 0.55*0.4 = 0.46: under the alert
	// threshold, but the recommendation alone escalates with an ai trigger.
	c := f.seedCluster(t, "cl-1", "twitter", "tiktok")
	inc, evs, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAlert, inc.Status)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.TriggerAI, evs[1].TriggeredBy)

	evals, err := f.store.Evaluations(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, evals, 1, "one trace per re-evaluation")
	assert.Equal(t, inc.ID, evals[0].IncidentID)
}

func TestAIFailureFallsBackToRules(t *testing.T) {
	f := newFixture(t, &stubEvaluator{err: domain.ErrScoringUnavailable})
	ctx := context.Background()

	c := f.seedCluster(t, "cl-1", "twitter", "tiktok")
	inc, evs, err := f.mgr.EvaluateCluster(ctx, c)

	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, domain.StatusMonitor, inc.Status, "rule-based outcome despite AI outage")
	assert.Len(t, evs, 1, "creation only")
}

func TestAdminTransitionRequiresReason(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.mgr.AdminTransition(context.Background(), "inc-x", domain.StatusResolved, "", "ops@example.com")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAdminReopensTerminalIncident(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := f.seedCluster(t, "cl-1", "twitter", "tiktok")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)

	_, err = f.mgr.AdminTransition(ctx, inc.ID, domain.StatusResolved, "confirmed over by field team", "ops@example.com")
	require.NoError(t, err)

	ev, err := f.mgr.AdminTransition(ctx, inc.ID, domain.StatusMonitor, "reports resumed", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, ev.FromStatus)
	assert.Equal(t, domain.StatusMonitor, ev.ToStatus)
	assert.Equal(t, domain.TriggerAdmin, ev.TriggeredBy)
	assert.Equal(t, "ops@example.com", ev.ChangedBy)
}

func TestAdminInvalidTargetRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := f.seedCluster(t, "cl-1", "twitter", "tiktok")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)

	_, err = f.mgr.AdminTransition(ctx, inc.ID, domain.StatusResolved, "done", "ops")
	require.NoError(t, err)

	// resolved -> alert is not reachable even for admins.
	_, err = f.mgr.AdminTransition(ctx, inc.ID, domain.StatusAlert, "bump", "ops")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAddVerificationUnknownIncident(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.mgr.AddVerification(context.Background(), domain.Verification{
		IncidentID: "inc-missing", UserID: "u1", Type: domain.VerifyConfirm, Reputation: 1,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAllowedTable(t *testing.T) {
	cases := []struct {
		from, to domain.Status
		by       domain.TriggerSource
		want     bool
	}{
		{"", domain.StatusMonitor, domain.TriggerSystem, true},
		{"", domain.StatusAlert, domain.TriggerSystem, false},
		{domain.StatusMonitor, domain.StatusAlert, domain.TriggerSystem, true},
		{domain.StatusAlert, domain.StatusMonitor, domain.TriggerSystem, true},
		{domain.StatusMonitor, domain.StatusResolved, domain.TriggerSystem, true},
		{domain.StatusResolved, domain.StatusMonitor, domain.TriggerSystem, false},
		{domain.StatusResolved, domain.StatusMonitor, domain.TriggerAdmin, true},
		{domain.StatusSuppress, domain.StatusMonitor, domain.TriggerAdmin, true},
		{domain.StatusSuppress, domain.StatusAlert, domain.TriggerAdmin, false},
		{domain.StatusResolved, domain.StatusSuppress, domain.TriggerAdmin, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, Allowed(tc.from, tc.to, tc.by),
			"%s -> %s by %s", tc.from, tc.to, tc.by)
	}
}

func TestTransitionConflictRetriesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := f.seedCluster(t, "cl-1", "bmkg")
	inc, _, err := f.mgr.EvaluateCluster(ctx, c)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAlert, inc.Status)

	// Simulate a racing writer: flip the stored status out from under a
	// stale in-memory copy, then attempt a transition built on the stale
	// read. The store rejects it; a fresh re-evaluation succeeds.
	stale := *inc
	stale.Status = domain.StatusMonitor
	err = f.store.ApplyTransition(ctx, stale, domain.LifecycleEvent{
		ID: "lev-stale", IncidentID: inc.ID,
		FromStatus: domain.StatusMonitor, ToStatus: domain.StatusAlert,
		TriggeredBy: domain.TriggerSystem, CreatedAt: f.clock.Now(),
	})
	require.ErrorIs(t, err, domain.ErrTransitionConflict)

	// The manager path keeps working after the conflict.
	ev, err := f.mgr.Reevaluate(ctx, inc.ID)
	require.NoError(t, err)
	assert.Nil(t, ev, "already at alert")
}
