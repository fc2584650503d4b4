package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/observability"
)

// Clusterer is the signal-grouping stage.
type Clusterer interface {
	Assign(sig domain.Signal) (domain.Cluster, bool, error)
	MarkPromoted(clusterID string) (domain.Cluster, bool)
}

// Lifecycle evaluates a cluster against the incident state machine.
type Lifecycle interface {
	EvaluateCluster(ctx context.Context, c domain.Cluster) (*domain.Incident, []domain.LifecycleEvent, error)
}

// Dispatcher fans committed transitions out to watching users.
type Dispatcher interface {
	Dispatch(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) ([]domain.OutboxEntry, error)
}

// EngineStore is the persistence slice the engine needs.
type EngineStore interface {
	SaveSignal(ctx context.Context, sig domain.Signal) (bool, error)
	SaveCluster(ctx context.Context, c domain.Cluster) error
}

// Engine runs one signal through the full chain: parse, validate, persist,
// cluster, evaluate, dispatch. It implements SignalProcessor.
type Engine struct {
	store      EngineStore
	clusterer  Clusterer
	lifecycle  Lifecycle
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewEngine wires the processing stages together.
func NewEngine(store EngineStore, clusterer Clusterer, lifecycle Lifecycle, dispatcher Dispatcher,
	logger *slog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:      store,
		clusterer:  clusterer,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
	}
}

// Process handles one raw message end to end and returns the outbox entries
// enqueued for it. Malformed or invalid signals are rejected here (logged
// and counted, nil error) so the caller commits and moves on; a non-nil
// error means infrastructure failed and the message should be redelivered.
func (e *Engine) Process(ctx context.Context, raw domain.RawMessage) ([]domain.OutboxEntry, error) {
	sig, err := domain.ParseRawSignal(raw)
	if err != nil {
		e.metrics.SignalsRejected.WithLabelValues("parse").Inc()
		e.logger.Warn("unparseable signal message, skipping",
			"error", err, "topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
		return nil, nil
	}
	if err := sig.Validate(); err != nil {
		e.metrics.SignalsRejected.WithLabelValues("invalid").Inc()
		e.logger.Warn("invalid signal, skipping", "error", err, "source", sig.Source)
		return nil, nil
	}

	inserted, err := e.store.SaveSignal(ctx, sig)
	if err != nil {
		return nil, err
	}
	if inserted {
		e.metrics.SignalsIngested.Inc()
	} else {
		// Redelivery, possibly after a crash between the save and the
		// offset commit. Run the rest of the chain anyway: cluster
		// membership, scoring, and notification writes are all idempotent,
		// and skipping here would strand a signal that never clustered.
		e.logger.Debug("duplicate signal, reprocessing", "signal_id", sig.ID)
	}

	c, isNew, err := e.clusterer.Assign(sig)
	if err != nil {
		if domain.IsInvalidSignal(err) {
			e.metrics.SignalsRejected.WithLabelValues("invalid").Inc()
			return nil, nil
		}
		return nil, err
	}
	if err := e.store.SaveCluster(ctx, c); err != nil {
		return nil, err
	}
	if isNew {
		e.logger.Debug("cluster opened", "cluster_id", c.ID, "city", c.City)
	}

	inc, events, err := e.lifecycle.EvaluateCluster(ctx, c)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, nil // below promotion threshold
	}

	if c.Status == domain.ClusterOpen {
		if snap, ok := e.clusterer.MarkPromoted(c.ID); ok {
			if err := e.store.SaveCluster(ctx, snap); err != nil {
				return nil, err
			}
		}
	}

	var outbox []domain.OutboxEntry
	for _, ev := range events {
		entries, err := e.dispatcher.Dispatch(ctx, *inc, ev)
		if err != nil {
			// The transition is already durable; a failed fan-out must not
			// roll the signal back. Watchers are only reachable again on
			// the incident's next transition, so make the loss loud.
			e.logger.Error("dispatch failed for committed transition",
				"incident_id", inc.ID, "to", ev.ToStatus, "error", err)
			continue
		}
		outbox = append(outbox, entries...)
	}
	return outbox, nil
}
