package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/disaster-incident-service/internal/cluster"
	"github.com/couchcryptid/disaster-incident-service/internal/domain"
)

// schemaSQL is embedded so the service can self-bootstrap its schema.
//
//go:embed schema.sql
var schemaSQL string

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a connection pool and fails fast if the database is
// unreachable.
func NewPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run on every startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

func (p *Postgres) SaveSignal(ctx context.Context, sig domain.Signal) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO signals (id, source, text, lat, lng, media_url, city_hint, event_type, created_at, ingested_at, raw_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING
	`, sig.ID, sig.Source, sig.Text, sig.Geo.Lat, sig.Geo.Lng, sig.MediaURL,
		sig.CityHint, sig.EventType, sig.CreatedAt, sig.IngestedAt, sig.RawPayload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) SignalsByID(ctx context.Context, ids []string) ([]domain.Signal, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, source, text, lat, lng, media_url, city_hint, event_type, created_at, ingested_at, raw_payload
		FROM signals WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var s domain.Signal
		if err := rows.Scan(&s.ID, &s.Source, &s.Text, &s.Geo.Lat, &s.Geo.Lng,
			&s.MediaURL, &s.CityHint, &s.EventType, &s.CreatedAt, &s.IngestedAt, &s.RawPayload); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveCluster(ctx context.Context, c domain.Cluster) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO clusters (id, city, event_type_guess, centroid_lat, centroid_lng, time_start, time_end, signal_ids, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			city = EXCLUDED.city,
			event_type_guess = EXCLUDED.event_type_guess,
			centroid_lat = EXCLUDED.centroid_lat,
			centroid_lng = EXCLUDED.centroid_lng,
			time_end = EXCLUDED.time_end,
			signal_ids = EXCLUDED.signal_ids,
			status = EXCLUDED.status
	`, c.ID, c.City, c.EventTypeGuess, c.Centroid.Lat, c.Centroid.Lng,
		c.TimeStart, c.TimeEnd, c.SignalIDs, c.Status)
	return err
}

func (p *Postgres) GetCluster(ctx context.Context, id string) (domain.Cluster, error) {
	var c domain.Cluster
	err := p.pool.QueryRow(ctx, `
		SELECT id, city, event_type_guess, centroid_lat, centroid_lng, time_start, time_end, signal_ids, status
		FROM clusters WHERE id = $1
	`, id).Scan(&c.ID, &c.City, &c.EventTypeGuess, &c.Centroid.Lat, &c.Centroid.Lng,
		&c.TimeStart, &c.TimeEnd, &c.SignalIDs, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Cluster{}, domain.ErrNotFound
	}
	return c, err
}

func (p *Postgres) CreateIncident(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO incidents (id, cluster_id, event_type, city, centroid_lat, centroid_lng, severity, confidence_score, status, summary, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, inc.ID, inc.ClusterID, inc.EventType, inc.City, inc.Centroid.Lat, inc.Centroid.Lng,
			inc.Severity, inc.ConfidenceScore, inc.Status, inc.Summary, inc.CreatedAt, inc.UpdatedAt)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, ev)
	})
}

func (p *Postgres) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	return p.scanIncident(p.pool.QueryRow(ctx, incidentSelect+`WHERE id = $1`, id))
}

func (p *Postgres) IncidentByCluster(ctx context.Context, clusterID string) (domain.Incident, error) {
	return p.scanIncident(p.pool.QueryRow(ctx, incidentSelect+`WHERE cluster_id = $1`, clusterID))
}

const incidentSelect = `
	SELECT id, cluster_id, event_type, city, centroid_lat, centroid_lng, severity, confidence_score, status, summary, created_at, updated_at
	FROM incidents
`

func (p *Postgres) scanIncident(row pgx.Row) (domain.Incident, error) {
	var inc domain.Incident
	err := row.Scan(&inc.ID, &inc.ClusterID, &inc.EventType, &inc.City,
		&inc.Centroid.Lat, &inc.Centroid.Lng, &inc.Severity, &inc.ConfidenceScore,
		&inc.Status, &inc.Summary, &inc.CreatedAt, &inc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Incident{}, domain.ErrNotFound
	}
	return inc, err
}

func (p *Postgres) ListIncidents(ctx context.Context, statuses ...domain.Status) ([]domain.Incident, error) {
	query := incidentSelect + `ORDER BY created_at`
	args := []any{}
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, s := range statuses {
			strs[i] = string(s)
		}
		query = incidentSelect + `WHERE status = ANY($1) ORDER BY created_at`
		args = append(args, strs)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Incident
	for rows.Next() {
		inc, err := p.scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ApplyTransition compare-and-sets the incident status and appends the
// lifecycle event in one transaction, so the current status and the latest
// audit row can never disagree.
func (p *Postgres) ApplyTransition(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE incidents
			SET status = $1, confidence_score = $2, severity = $3, summary = $4, updated_at = $5
			WHERE id = $6 AND status = $7
		`, inc.Status, inc.ConfidenceScore, inc.Severity, inc.Summary, inc.UpdatedAt,
			inc.ID, ev.FromStatus)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, inc.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrTransitionConflict
		}
		return insertEvent(ctx, tx, ev)
	})
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev domain.LifecycleEvent) error {
	var from any
	if ev.FromStatus != "" {
		from = string(ev.FromStatus)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO lifecycle_events (id, incident_id, from_status, to_status, triggered_by, changed_by, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ev.ID, ev.IncidentID, from, ev.ToStatus, ev.TriggeredBy, ev.ChangedBy, ev.Reason, ev.CreatedAt)
	return err
}

func (p *Postgres) UpdateScore(ctx context.Context, incidentID string, score float64, severity domain.Severity, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE incidents SET confidence_score = $1, severity = $2, updated_at = $3 WHERE id = $4
	`, score, severity, at, incidentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) LifecycleEvents(ctx context.Context, incidentID string) ([]domain.LifecycleEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, incident_id, COALESCE(from_status, ''), to_status, triggered_by, changed_by, reason, created_at
		FROM lifecycle_events WHERE incident_id = $1 ORDER BY created_at
	`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LifecycleEvent
	for rows.Next() {
		var ev domain.LifecycleEvent
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.FromStatus, &ev.ToStatus,
			&ev.TriggeredBy, &ev.ChangedBy, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) AddVerification(ctx context.Context, v domain.Verification) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO verifications (id, incident_id, user_id, type, reputation, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, v.ID, v.IncidentID, v.UserID, v.Type, v.Reputation, v.CreatedAt)
	return err
}

func (p *Postgres) Verifications(ctx context.Context, incidentID string) ([]domain.Verification, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, incident_id, user_id, type, reputation, created_at
		FROM verifications WHERE incident_id = $1 ORDER BY created_at
	`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Verification
	for rows.Next() {
		var v domain.Verification
		if err := rows.Scan(&v.ID, &v.IncidentID, &v.UserID, &v.Type, &v.Reputation, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveEvaluation(ctx context.Context, e domain.Evaluation) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO evaluations (id, incident_id, confidence_score, consistency, recommended, explanation, raw_response, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.IncidentID, e.ConfidenceScore, e.Consistency, e.RecommendedAction,
		e.Explanation, e.RawResponse, e.CreatedAt)
	return err
}

func (p *Postgres) Evaluations(ctx context.Context, incidentID string) ([]domain.Evaluation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, incident_id, confidence_score, consistency, recommended, explanation, raw_response, created_at
		FROM evaluations WHERE incident_id = $1 ORDER BY created_at
	`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Evaluation
	for rows.Next() {
		var e domain.Evaluation
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.ConfidenceScore, &e.Consistency,
			&e.RecommendedAction, &e.Explanation, &e.RawResponse, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnqueueNotification performs the dedup check, outbox insert, state upsert,
// and daily aggregate bump in one transaction. The conditional upsert is the
// compare-and-set: when the stored last_notified_status already equals the
// new one, no row comes back and the whole dispatch is a no-op.
func (p *Postgres) EnqueueNotification(ctx context.Context, entry domain.OutboxEntry) (bool, error) {
	enqueued := false
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `
			INSERT INTO notification_state (user_id, incident_id, user_place_id, last_notified_status, last_notified_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (user_id, incident_id, user_place_id) DO UPDATE
				SET last_notified_status = EXCLUDED.last_notified_status,
				    last_notified_at = EXCLUDED.last_notified_at
				WHERE notification_state.last_notified_status IS DISTINCT FROM EXCLUDED.last_notified_status
			RETURNING 1
		`, entry.UserID, entry.IncidentID, entry.UserPlaceID, entry.NotificationType, entry.CreatedAt).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // deduplicated
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO notification_outbox (id, user_id, incident_id, user_place_id, notification_type, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, entry.ID, entry.UserID, entry.IncidentID, entry.UserPlaceID,
			entry.NotificationType, entry.CreatedAt, entry.ExpiresAt); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO notification_daily_stats (day, incident_id, notified_user_count)
			VALUES ($1::date, $2, 1)
			ON CONFLICT (day, incident_id) DO UPDATE
				SET notified_user_count = notification_daily_stats.notified_user_count + 1
		`, entry.CreatedAt.UTC().Format("2006-01-02"), entry.IncidentID); err != nil {
			return err
		}

		enqueued = true
		return nil
	})
	return enqueued, err
}

func (p *Postgres) NotificationStateFor(ctx context.Context, userID, incidentID, placeID string) (domain.NotificationState, error) {
	var st domain.NotificationState
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, incident_id, user_place_id, last_notified_status, last_notified_at
		FROM notification_state
		WHERE user_id = $1 AND incident_id = $2 AND user_place_id = $3
	`, userID, incidentID, placeID).Scan(&st.UserID, &st.IncidentID, &st.UserPlaceID,
		&st.LastNotifiedState, &st.LastNotifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotificationState{}, domain.ErrNotFound
	}
	return st, err
}

func (p *Postgres) PendingNotifications(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, incident_id, user_place_id, notification_type, created_at, expires_at
		FROM notification_outbox ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEntry
	for rows.Next() {
		var e domain.OutboxEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.IncidentID, &e.UserPlaceID,
			&e.NotificationType, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteNotification(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM notification_outbox WHERE id = $1`, id)
	return err
}

func (p *Postgres) SweepExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM notification_outbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) DailyStats(ctx context.Context, day string) ([]domain.DailyNotificationStat, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT day::text, incident_id, notified_user_count
		FROM notification_daily_stats WHERE day = $1::date ORDER BY incident_id
	`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DailyNotificationStat
	for rows.Next() {
		var s domain.DailyNotificationStat
		if err := rows.Scan(&s.Day, &s.IncidentID, &s.NotifiedUserCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) AddPlaceWatch(ctx context.Context, w domain.PlaceWatch) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO place_watches (user_id, user_place_id, lat, lng)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, user_place_id) DO UPDATE SET lat = EXCLUDED.lat, lng = EXCLUDED.lng
	`, w.UserID, w.UserPlaceID, w.Geo.Lat, w.Geo.Lng)
	return err
}

// PlacesNear pre-filters with a bounding box in SQL, then applies the exact
// great-circle distance in Go. Avoids a PostGIS dependency at the densities
// this service sees.
func (p *Postgres) PlacesNear(ctx context.Context, center domain.Geo, radiusKM float64) ([]domain.PlaceWatch, error) {
	degrees := radiusKM / 111.0 // ~1° latitude per 111 km; generous at the equator
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, user_place_id, lat, lng
		FROM place_watches
		WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4
	`, center.Lat-degrees, center.Lat+degrees, center.Lng-degrees*2, center.Lng+degrees*2)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PlaceWatch
	for rows.Next() {
		var w domain.PlaceWatch
		if err := rows.Scan(&w.UserID, &w.UserPlaceID, &w.Geo.Lat, &w.Geo.Lng); err != nil {
			return nil, err
		}
		if cluster.HaversineKM(center, w.Geo) <= radiusKM {
			out = append(out, w)
		}
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
