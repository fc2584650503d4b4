// Package store defines the persistence contract for the engine and provides
// two implementations: an in-memory store used by tests and single-node
// deployments, and a Postgres store for production.
package store

import (
	"context"
	"time"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
)

// Store is the full persistence surface. The writing components consume
// narrow slices of it (the lifecycle manager declares what it needs, the
// dispatcher likewise); both implementations satisfy the whole interface.
type Store interface {
	// SaveSignal persists an immutable signal. Returns inserted=false when
	// the deterministic signal ID already exists (replay).
	SaveSignal(ctx context.Context, sig domain.Signal) (bool, error)
	// SignalsByID fetches signals by id, skipping unknown ids.
	SignalsByID(ctx context.Context, ids []string) ([]domain.Signal, error)

	// SaveCluster upserts a cluster snapshot, keeping closed and promoted
	// clusters addressable for historical audit.
	SaveCluster(ctx context.Context, c domain.Cluster) error
	GetCluster(ctx context.Context, id string) (domain.Cluster, error)

	// CreateIncident writes the incident and its creation LifecycleEvent as
	// one atomic unit.
	CreateIncident(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) error
	GetIncident(ctx context.Context, id string) (domain.Incident, error)
	IncidentByCluster(ctx context.Context, clusterID string) (domain.Incident, error)
	ListIncidents(ctx context.Context, statuses ...domain.Status) ([]domain.Incident, error)

	// ApplyTransition commits a status transition: it compare-and-sets the
	// incident's status against ev.FromStatus and appends the LifecycleEvent
	// atomically. Returns domain.ErrTransitionConflict when the incident's
	// current status no longer matches.
	ApplyTransition(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) error

	// UpdateScore refreshes the recomputed confidence without a transition.
	UpdateScore(ctx context.Context, incidentID string, score float64, severity domain.Severity, at time.Time) error

	// LifecycleEvents returns the audit trail ordered by created_at.
	LifecycleEvents(ctx context.Context, incidentID string) ([]domain.LifecycleEvent, error)

	AddVerification(ctx context.Context, v domain.Verification) error
	Verifications(ctx context.Context, incidentID string) ([]domain.Verification, error)

	SaveEvaluation(ctx context.Context, e domain.Evaluation) error
	Evaluations(ctx context.Context, incidentID string) ([]domain.Evaluation, error)

	// EnqueueNotification atomically checks the (user, incident, place)
	// notification state, and — only when the status differs from the last
	// notified one — writes the outbox entry, upserts the state, and bumps
	// the daily aggregate. Returns enqueued=false when deduplicated.
	EnqueueNotification(ctx context.Context, entry domain.OutboxEntry) (bool, error)
	NotificationStateFor(ctx context.Context, userID, incidentID, placeID string) (domain.NotificationState, error)
	PendingNotifications(ctx context.Context, limit int) ([]domain.OutboxEntry, error)
	// DeleteNotification removes a delivered entry (called on behalf of the
	// delivery transport).
	DeleteNotification(ctx context.Context, id string) error
	// SweepExpiredNotifications drops undelivered entries past their TTL.
	SweepExpiredNotifications(ctx context.Context, now time.Time) (int, error)
	DailyStats(ctx context.Context, day string) ([]domain.DailyNotificationStat, error)

	// Place-watch directory.
	AddPlaceWatch(ctx context.Context, w domain.PlaceWatch) error
	PlacesNear(ctx context.Context, center domain.Geo, radiusKM float64) ([]domain.PlaceWatch, error)

	Ping(ctx context.Context) error
	Close()
}
