// Package notify fans a committed lifecycle transition out to every user
// watching a place near the incident, writing one outbox entry per tuple.
// Dedup lives in the store: an enqueue is atomic with the notification-state
// upsert, so a replayed transition never double-notifies and a crash never
// skips one.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/disaster-incident-service/internal/config"
	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/observability"
)

// Store is the persistence slice the dispatcher needs.
type Store interface {
	PlacesNear(ctx context.Context, center domain.Geo, radiusKM float64) ([]domain.PlaceWatch, error)
	EnqueueNotification(ctx context.Context, entry domain.OutboxEntry) (bool, error)
	SweepExpiredNotifications(ctx context.Context, now time.Time) (int, error)
}

// Dispatcher decides, per watching user, whether a committed transition
// warrants a notification. It is invoked only on committed transitions,
// never on score-only re-evaluations.
type Dispatcher struct {
	store   Store
	policy  config.Policy
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

func New(store Store, policy config.Policy, clock clockwork.Clock,
	logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   store,
		policy:  policy,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// Dispatch fans the transition out to every place watch within the notify
// radius of the incident centroid. Each tuple is independent: a write
// failure on one is retried once and then skipped without affecting the
// others, so partial success is possible and acceptable. Returns the entries
// actually enqueued (deduped tuples are absent).
func (d *Dispatcher) Dispatch(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) ([]domain.OutboxEntry, error) {
	watches, err := d.store.PlacesNear(ctx, inc.Centroid, d.policy.NotifyRadiusKM)
	if err != nil {
		return nil, fmt.Errorf("place watch lookup: %w", err)
	}
	if len(watches) == 0 {
		return nil, nil
	}

	now := d.clock.Now().UTC()
	var enqueued []domain.OutboxEntry
	for _, w := range watches {
		entry := domain.OutboxEntry{
			ID:               "ntf-" + uuid.NewString(),
			UserID:           w.UserID,
			IncidentID:       inc.ID,
			UserPlaceID:      w.UserPlaceID,
			NotificationType: ev.ToStatus,
			CreatedAt:        now,
			ExpiresAt:        now.Add(d.policy.NotificationTTL),
		}

		ok, err := d.store.EnqueueNotification(ctx, entry)
		if err != nil {
			// Retry the tuple once; on a second failure move on to the
			// next watcher rather than failing the whole dispatch.
			ok, err = d.store.EnqueueNotification(ctx, entry)
			if err != nil {
				d.logger.Error("notification enqueue failed",
					"incident_id", inc.ID, "user_id", w.UserID,
					"place_id", w.UserPlaceID, "error", err)
				continue
			}
		}
		if !ok {
			d.metrics.NotificationsDeduped.Inc()
			continue
		}

		d.metrics.NotificationsEnqueued.Inc()
		enqueued = append(enqueued, entry)
	}

	d.logger.Info("transition dispatched",
		"incident_id", inc.ID, "to", ev.ToStatus,
		"watchers", len(watches), "enqueued", len(enqueued))
	return enqueued, nil
}

// SweepExpired drops undelivered outbox entries past their TTL. Expired
// entries are dropped, not retried.
func (d *Dispatcher) SweepExpired(ctx context.Context) (int, error) {
	n, err := d.store.SweepExpiredNotifications(ctx, d.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired notifications: %w", err)
	}
	if n > 0 {
		d.metrics.NotificationsExpired.Add(float64(n))
		d.logger.Info("expired notifications swept", "count", n)
	}
	return n, nil
}
