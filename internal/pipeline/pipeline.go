// Package pipeline orchestrates the consume loop: batches of raw signal
// messages flow through the engine, committed notifications are published to
// the sink topic, and a maintenance loop ages out idle clusters and expired
// outbox entries.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/observability"
)

// BatchExtractor reads up to batchSize raw messages from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error)
}

// SignalProcessor runs one raw message through the engine.
type SignalProcessor interface {
	Process(ctx context.Context, raw domain.RawMessage) ([]domain.OutboxEntry, error)
}

// NotificationPublisher hands enqueued notifications to the delivery
// transport's topic.
type NotificationPublisher interface {
	PublishBatch(ctx context.Context, entries []domain.OutboxEntry) error
}

// ClusterJanitor closes clusters that have gone idle.
type ClusterJanitor interface {
	CloseIdle() []domain.Cluster
}

// Sweeper drops expired undelivered notifications.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// MaintenanceStore is the persistence slice the maintenance loop needs.
type MaintenanceStore interface {
	SaveCluster(ctx context.Context, c domain.Cluster) error
	PendingNotifications(ctx context.Context, limit int) ([]domain.OutboxEntry, error)
	DeleteNotification(ctx context.Context, id string) error
}

// Pipeline runs the batch consume loop and the periodic maintenance loop.
type Pipeline struct {
	extractor BatchExtractor
	processor SignalProcessor
	publisher NotificationPublisher

	janitor ClusterJanitor
	sweeper Sweeper
	store   MaintenanceStore

	clock               clockwork.Clock
	logger              *slog.Logger
	metrics             *observability.Metrics
	ready               atomic.Bool
	batchSize           int
	maintenanceInterval time.Duration
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, p SignalProcessor, pub NotificationPublisher,
	janitor ClusterJanitor, sweeper Sweeper, store MaintenanceStore,
	clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics,
	batchSize int, maintenanceInterval time.Duration) *Pipeline {
	return &Pipeline{
		extractor:           e,
		processor:           p,
		publisher:           pub,
		janitor:             janitor,
		sweeper:             sweeper,
		store:               store,
		clock:               clock,
		logger:              logger,
		metrics:             metrics,
		batchSize:           batchSize,
		maintenanceInterval: maintenanceInterval,
	}
}

// CheckReadiness returns nil if the pipeline has processed at least one
// message, or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any messages yet")
	}
	return nil
}

// Run executes the batch consume loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.EngineRunning.Set(1)
	defer p.metrics.EngineRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	// Keeps retry storms short while avoiding tight loops during outages.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// processBatch runs one extract-process-publish cycle. Returns false if the
// pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	start := time.Now()

	rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff, maxBackoff)
	}

	if len(rawBatch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.BatchSize.Observe(float64(len(rawBatch)))
	*backoff = 200 * time.Millisecond

	processed, outbox := 0, []domain.OutboxEntry(nil)
	for _, raw := range rawBatch {
		entries, err := p.processor.Process(ctx, raw)
		if err != nil {
			// Infrastructure failure: leave this and later offsets
			// uncommitted so the messages are redelivered; idempotent
			// writes make the replay safe.
			p.logger.Error("signal processing failed", "error", err,
				"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
			return p.backoffOrStop(ctx, backoff, maxBackoff)
		}
		outbox = append(outbox, entries...)
		p.commitOffset(ctx, raw)
		processed++
	}

	p.publish(ctx, outbox)

	if processed > 0 {
		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
	}
	return true
}

// publish forwards enqueued notifications to the sink topic and removes the
// delivered entries from the outbox. On failure the entries simply stay
// pending; the maintenance loop retries them until they expire.
func (p *Pipeline) publish(ctx context.Context, entries []domain.OutboxEntry) {
	if len(entries) == 0 {
		return
	}
	if err := p.publisher.PublishBatch(ctx, entries); err != nil {
		p.logger.Warn("notification publish failed, entries stay pending",
			"error", err, "count", len(entries))
		return
	}
	for _, e := range entries {
		if err := p.store.DeleteNotification(ctx, e.ID); err != nil {
			p.logger.Warn("outbox cleanup failed", "error", err, "entry_id", e.ID)
		}
	}
}

// RunMaintenance periodically closes idle clusters, republishes pending
// notifications, and sweeps expired ones, until the context is cancelled.
func (p *Pipeline) RunMaintenance(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.maintenanceInterval)
	defer ticker.Stop()

	p.logger.Info("maintenance loop started", "interval", p.maintenanceInterval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("maintenance loop stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			p.maintain(ctx)
		}
	}
}

func (p *Pipeline) maintain(ctx context.Context) {
	for _, c := range p.janitor.CloseIdle() {
		if err := p.store.SaveCluster(ctx, c); err != nil {
			p.logger.Warn("failed to persist closed cluster", "error", err, "cluster_id", c.ID)
		}
	}

	pending, err := p.store.PendingNotifications(ctx, p.batchSize)
	if err != nil {
		p.logger.Warn("pending notification lookup failed", "error", err)
	} else {
		p.publish(ctx, pending)
	}

	if _, err := p.sweeper.SweepExpired(ctx); err != nil {
		p.logger.Warn("notification sweep failed", "error", err)
	}
}

// backoffOrStop checks for context cancellation, sleeps with the current
// backoff, and advances the backoff. Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawMessage) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
