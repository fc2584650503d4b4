package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/disaster-incident-service/internal/cluster"
	"github.com/couchcryptid/disaster-incident-service/internal/domain"
)

type stateKey struct {
	userID      string
	incidentID  string
	userPlaceID string
}

// Memory is the in-memory Store. A single mutex guards all maps; the
// compare-and-set semantics of ApplyTransition and EnqueueNotification hold
// because each operation runs entirely under the lock.
type Memory struct {
	mu sync.RWMutex

	signals       map[string]domain.Signal
	clusters      map[string]domain.Cluster
	incidents     map[string]domain.Incident
	byCluster     map[string]string // cluster id -> incident id
	events        map[string][]domain.LifecycleEvent
	verifications map[string][]domain.Verification
	evaluations   map[string][]domain.Evaluation
	outbox        map[string]domain.OutboxEntry
	notifyState   map[stateKey]domain.NotificationState
	dailyStats    map[string]map[string]int // day -> incident id -> count
	places        []domain.PlaceWatch
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		signals:       make(map[string]domain.Signal),
		clusters:      make(map[string]domain.Cluster),
		incidents:     make(map[string]domain.Incident),
		byCluster:     make(map[string]string),
		events:        make(map[string][]domain.LifecycleEvent),
		verifications: make(map[string][]domain.Verification),
		evaluations:   make(map[string][]domain.Evaluation),
		outbox:        make(map[string]domain.OutboxEntry),
		notifyState:   make(map[stateKey]domain.NotificationState),
		dailyStats:    make(map[string]map[string]int),
	}
}

func (m *Memory) SaveSignal(_ context.Context, sig domain.Signal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[sig.ID]; ok {
		return false, nil
	}
	m.signals[sig.ID] = sig
	return true, nil
}

func (m *Memory) SignalsByID(_ context.Context, ids []string) ([]domain.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Signal, 0, len(ids))
	for _, id := range ids {
		if sig, ok := m.signals[id]; ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (m *Memory) SaveCluster(_ context.Context, c domain.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clusters[c.ID] = c
	return nil
}

func (m *Memory) GetCluster(_ context.Context, id string) (domain.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	if !ok {
		return domain.Cluster{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *Memory) CreateIncident(_ context.Context, inc domain.Incident, ev domain.LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = inc
	m.byCluster[inc.ClusterID] = inc.ID
	m.events[inc.ID] = append(m.events[inc.ID], ev)
	return nil
}

func (m *Memory) GetIncident(_ context.Context, id string) (domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return domain.Incident{}, domain.ErrNotFound
	}
	return inc, nil
}

func (m *Memory) IncidentByCluster(_ context.Context, clusterID string) (domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCluster[clusterID]
	if !ok {
		return domain.Incident{}, domain.ErrNotFound
	}
	return m.incidents[id], nil
}

func (m *Memory) ListIncidents(_ context.Context, statuses ...domain.Status) ([]domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := map[domain.Status]bool{}
	for _, s := range statuses {
		wanted[s] = true
	}

	var out []domain.Incident
	for _, inc := range m.incidents {
		if len(wanted) == 0 || wanted[inc.Status] {
			out = append(out, inc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ApplyTransition(_ context.Context, inc domain.Incident, ev domain.LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.incidents[inc.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != ev.FromStatus {
		return domain.ErrTransitionConflict
	}
	m.incidents[inc.ID] = inc
	m.events[inc.ID] = append(m.events[inc.ID], ev)
	return nil
}

func (m *Memory) UpdateScore(_ context.Context, incidentID string, score float64, severity domain.Severity, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[incidentID]
	if !ok {
		return domain.ErrNotFound
	}
	inc.ConfidenceScore = score
	inc.Severity = severity
	inc.UpdatedAt = at
	m.incidents[incidentID] = inc
	return nil
}

func (m *Memory) LifecycleEvents(_ context.Context, incidentID string) ([]domain.LifecycleEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := append([]domain.LifecycleEvent(nil), m.events[incidentID]...)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].CreatedAt.Before(evs[j].CreatedAt) })
	return evs, nil
}

func (m *Memory) AddVerification(_ context.Context, v domain.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[v.IncidentID] = append(m.verifications[v.IncidentID], v)
	return nil
}

func (m *Memory) Verifications(_ context.Context, incidentID string) ([]domain.Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Verification(nil), m.verifications[incidentID]...), nil
}

func (m *Memory) SaveEvaluation(_ context.Context, e domain.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations[e.IncidentID] = append(m.evaluations[e.IncidentID], e)
	return nil
}

func (m *Memory) Evaluations(_ context.Context, incidentID string) ([]domain.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Evaluation(nil), m.evaluations[incidentID]...), nil
}

func (m *Memory) EnqueueNotification(_ context.Context, entry domain.OutboxEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stateKey{entry.UserID, entry.IncidentID, entry.UserPlaceID}
	if st, ok := m.notifyState[key]; ok && st.LastNotifiedState == entry.NotificationType {
		return false, nil
	}

	m.outbox[entry.ID] = entry
	m.notifyState[key] = domain.NotificationState{
		UserID:            entry.UserID,
		IncidentID:        entry.IncidentID,
		UserPlaceID:       entry.UserPlaceID,
		LastNotifiedState: entry.NotificationType,
		LastNotifiedAt:    entry.CreatedAt,
	}

	day := entry.CreatedAt.UTC().Format("2006-01-02")
	if m.dailyStats[day] == nil {
		m.dailyStats[day] = make(map[string]int)
	}
	m.dailyStats[day][entry.IncidentID]++
	return true, nil
}

func (m *Memory) NotificationStateFor(_ context.Context, userID, incidentID, placeID string) (domain.NotificationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.notifyState[stateKey{userID, incidentID, placeID}]
	if !ok {
		return domain.NotificationState{}, domain.ErrNotFound
	}
	return st, nil
}

func (m *Memory) PendingNotifications(_ context.Context, limit int) ([]domain.OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.OutboxEntry, 0, len(m.outbox))
	for _, e := range m.outbox {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteNotification(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outbox, id)
	return nil
}

func (m *Memory) SweepExpiredNotifications(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, e := range m.outbox {
		if now.After(e.ExpiresAt) {
			delete(m.outbox, id)
			swept++
		}
	}
	return swept, nil
}

func (m *Memory) DailyStats(_ context.Context, day string) ([]domain.DailyNotificationStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.DailyNotificationStat
	for incidentID, count := range m.dailyStats[day] {
		out = append(out, domain.DailyNotificationStat{
			Day:               day,
			IncidentID:        incidentID,
			NotifiedUserCount: count,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out, nil
}

func (m *Memory) AddPlaceWatch(_ context.Context, w domain.PlaceWatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.places = append(m.places, w)
	return nil
}

func (m *Memory) PlacesNear(_ context.Context, center domain.Geo, radiusKM float64) ([]domain.PlaceWatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.PlaceWatch
	for _, w := range m.places {
		if cluster.HaversineKM(center, w.Geo) <= radiusKM {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
