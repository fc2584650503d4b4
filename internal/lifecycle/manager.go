// Package lifecycle owns the incident state machine. Every status change —
// automatic or admin — commits by writing the new status and exactly one
// LifecycleEvent atomically through the store, so the audit trail and the
// incident's current status can never disagree.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/disaster-incident-service/internal/config"
	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/observability"
	"github.com/couchcryptid/disaster-incident-service/internal/scoring"
)

// Store is the slice of persistence the manager needs.
type Store interface {
	GetCluster(ctx context.Context, id string) (domain.Cluster, error)
	SaveCluster(ctx context.Context, c domain.Cluster) error
	SignalsByID(ctx context.Context, ids []string) ([]domain.Signal, error)

	CreateIncident(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) error
	GetIncident(ctx context.Context, id string) (domain.Incident, error)
	IncidentByCluster(ctx context.Context, clusterID string) (domain.Incident, error)
	ApplyTransition(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) error
	UpdateScore(ctx context.Context, incidentID string, score float64, severity domain.Severity, at time.Time) error

	AddVerification(ctx context.Context, v domain.Verification) error
	Verifications(ctx context.Context, incidentID string) ([]domain.Verification, error)
	SaveEvaluation(ctx context.Context, e domain.Evaluation) error
	Evaluations(ctx context.Context, incidentID string) ([]domain.Evaluation, error)
}

// Manager applies lifecycle transitions. All evidence-driven transition
// attempts for one incident are serialized by a per-incident lock; the store
// compare-and-set is the second line of defense against racers from other
// processes.
type Manager struct {
	store     Store
	scorer    *scoring.Scorer
	evaluator scoring.Evaluator // optional AI collaborator; nil disables
	policy    config.Policy
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics

	locks sync.Map // incident id -> *sync.Mutex
}

// New creates a Manager. Pass a nil evaluator to run rule-based only.
func New(store Store, scorer *scoring.Scorer, evaluator scoring.Evaluator, policy config.Policy,
	clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:     store,
		scorer:    scorer,
		evaluator: evaluator,
		policy:    policy,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// allowedAuto is the automatic transition table. Creation ("" -> monitor) is
// handled separately; resolved and suppress are terminal for automatic moves.
var allowedAuto = map[domain.Status]map[domain.Status]bool{
	domain.StatusMonitor: {
		domain.StatusAlert:    true,
		domain.StatusSuppress: true,
		domain.StatusResolved: true,
	},
	domain.StatusAlert: {
		domain.StatusMonitor:  true,
		domain.StatusSuppress: true,
		domain.StatusResolved: true,
	},
}

// Allowed reports whether from -> to is a legal move for the given trigger.
// Admins may additionally reopen terminal incidents back to monitor.
func Allowed(from, to domain.Status, by domain.TriggerSource) bool {
	if from == "" {
		return to == domain.StatusMonitor
	}
	if allowedAuto[from][to] {
		return true
	}
	if by == domain.TriggerAdmin &&
		(from == domain.StatusResolved || from == domain.StatusSuppress) &&
		to == domain.StatusMonitor {
		return true
	}
	return false
}

// EvaluateCluster scores a cluster after a signal arrival. When the cluster
// already backs an incident, the incident is re-evaluated. Otherwise, if the
// score crosses the promotion threshold, the cluster is promoted to a new
// incident at monitor (and immediately re-evaluated, which may escalate it —
// an incident always passes through monitor at least once).
//
// Returns the incident (nil when the cluster stays unpromoted) and every
// lifecycle event committed during the call, in order, so the caller can
// dispatch notifications for each.
func (m *Manager) EvaluateCluster(ctx context.Context, c domain.Cluster) (*domain.Incident, []domain.LifecycleEvent, error) {
	existing, err := m.store.IncidentByCluster(ctx, c.ID)
	switch {
	case err == nil:
		ev, err := m.Reevaluate(ctx, existing.ID)
		if err != nil {
			return &existing, nil, err
		}
		var events []domain.LifecycleEvent
		if ev != nil {
			events = append(events, *ev)
		}
		current, err := m.store.GetIncident(ctx, existing.ID)
		if err != nil {
			return &existing, events, err
		}
		return &current, events, nil
	case errors.Is(err, domain.ErrNotFound):
		// fall through to promotion check
	default:
		return nil, nil, err
	}

	signals, err := m.store.SignalsByID(ctx, c.SignalIDs)
	if err != nil {
		return nil, nil, err
	}
	res := m.scorer.Score(scoring.Evidence{Signals: signals})
	if res.Score < m.policy.PromotionThreshold {
		return nil, nil, nil // below threshold: ordinary outcome, not an error
	}

	inc, creation, err := m.promote(ctx, c, signals, res)
	if err != nil {
		return nil, nil, err
	}
	events := []domain.LifecycleEvent{creation}

	// The creation evidence may already warrant alert (official floor boost).
	ev, err := m.Reevaluate(ctx, inc.ID)
	if err != nil {
		return &inc, events, err
	}
	if ev != nil {
		events = append(events, *ev)
	}
	current, err := m.store.GetIncident(ctx, inc.ID)
	if err != nil {
		return &inc, events, err
	}
	return &current, events, nil
}

func (m *Manager) promote(ctx context.Context, c domain.Cluster, signals []domain.Signal, res scoring.Result) (domain.Incident, domain.LifecycleEvent, error) {
	// The cluster's guess is empty when its founding signal carried no type;
	// the members may still know better.
	if c.EventTypeGuess == "" {
		for _, s := range signals {
			if s.EventType != "" {
				c.EventTypeGuess = s.EventType
				break
			}
		}
	}

	now := m.clock.Now().UTC()
	inc := domain.Incident{
		ID:              "inc-" + uuid.NewString(),
		ClusterID:       c.ID,
		EventType:       c.EventTypeGuess,
		City:            c.City,
		Centroid:        c.Centroid,
		Severity:        scoring.SeverityFor(res.Score),
		ConfidenceScore: res.Score,
		Status:          domain.StatusMonitor,
		Summary:         summarize(c, len(c.SignalIDs)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := domain.LifecycleEvent{
		ID:          "lev-" + uuid.NewString(),
		IncidentID:  inc.ID,
		ToStatus:    domain.StatusMonitor,
		TriggeredBy: domain.TriggerSystem,
		ChangedBy:   "engine",
		Reason:      fmt.Sprintf("promotion threshold crossed (score %.2f)", res.Score),
		CreatedAt:   now,
	}
	if err := m.store.CreateIncident(ctx, inc, ev); err != nil {
		return domain.Incident{}, domain.LifecycleEvent{}, fmt.Errorf("create incident: %w", err)
	}

	m.metrics.IncidentsPromoted.Inc()
	m.metrics.Transitions.WithLabelValues("none", string(domain.StatusMonitor), string(domain.TriggerSystem)).Inc()
	m.logger.Info("incident promoted",
		"incident_id", inc.ID, "cluster_id", c.ID,
		"score", res.Score, "city", inc.City, "event_type", inc.EventType)
	return inc, ev, nil
}

// Reevaluate recomputes the incident's confidence from current evidence and
// applies at most one automatic transition. A nil event means the incident
// did not move. If evidence gathering or scoring fails the incident is left
// untouched - an incident must never transition on a failed computation.
func (m *Manager) Reevaluate(ctx context.Context, incidentID string) (*domain.LifecycleEvent, error) {
	mu := m.lockFor(incidentID)
	mu.Lock()
	defer mu.Unlock()

	ev, err := m.reevaluateLocked(ctx, incidentID)
	if errors.Is(err, domain.ErrTransitionConflict) {
		// Another writer (separate process) moved the incident first; retry
		// once against the now-current state rather than dropping the signal.
		m.metrics.TransitionErrors.WithLabelValues("conflict").Inc()
		return m.reevaluateLocked(ctx, incidentID)
	}
	return ev, err
}

func (m *Manager) reevaluateLocked(ctx context.Context, incidentID string) (*domain.LifecycleEvent, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status == domain.StatusResolved || inc.Status == domain.StatusSuppress {
		return nil, nil // terminal for automatic transitions
	}

	evidence, err := m.gatherEvidence(ctx, inc)
	if err != nil {
		return nil, err
	}
	res := m.scorer.Score(evidence)

	to, trigger := m.decide(inc.Status, res, evidence.Evaluation)
	now := m.clock.Now().UTC()

	if to == inc.Status {
		if err := m.store.UpdateScore(ctx, inc.ID, res.Score, scoring.SeverityFor(res.Score), now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	next := inc
	next.Status = to
	next.ConfidenceScore = res.Score
	next.Severity = scoring.SeverityFor(res.Score)
	next.UpdatedAt = now

	ev := domain.LifecycleEvent{
		ID:          "lev-" + uuid.NewString(),
		IncidentID:  inc.ID,
		FromStatus:  inc.Status,
		ToStatus:    to,
		TriggeredBy: trigger,
		ChangedBy:   "engine",
		Reason:      transitionReason(to, res),
		CreatedAt:   now,
	}
	if err := m.store.ApplyTransition(ctx, next, ev); err != nil {
		return nil, err
	}

	m.metrics.Transitions.WithLabelValues(string(ev.FromStatus), string(ev.ToStatus), string(trigger)).Inc()
	m.logger.Info("incident transitioned",
		"incident_id", inc.ID, "from", ev.FromStatus, "to", ev.ToStatus,
		"score", res.Score, "triggered_by", trigger)
	return &ev, nil
}

// gatherEvidence loads the incident's cluster signals and verifications, and
// consults the AI collaborator when configured. AI failures degrade to the
// most recent stored verdict, or to rule-based scoring alone.
func (m *Manager) gatherEvidence(ctx context.Context, inc domain.Incident) (scoring.Evidence, error) {
	c, err := m.store.GetCluster(ctx, inc.ClusterID)
	if err != nil {
		return scoring.Evidence{}, fmt.Errorf("load cluster: %w", err)
	}
	signals, err := m.store.SignalsByID(ctx, c.SignalIDs)
	if err != nil {
		return scoring.Evidence{}, fmt.Errorf("load signals: %w", err)
	}
	verifications, err := m.store.Verifications(ctx, inc.ID)
	if err != nil {
		return scoring.Evidence{}, fmt.Errorf("load verifications: %w", err)
	}

	evidence := scoring.Evidence{Signals: signals, Verifications: verifications}

	if m.evaluator != nil {
		eval, err := m.evaluator.Evaluate(ctx, inc, signals)
		if err != nil {
			m.logger.Warn("ai evaluation unavailable, using rule-based score",
				"incident_id", inc.ID, "error", err)
		} else {
			eval.ID = "eval-" + uuid.NewString()
			eval.IncidentID = inc.ID
			eval.CreatedAt = m.clock.Now().UTC()
			if err := m.store.SaveEvaluation(ctx, eval); err != nil {
				m.logger.Warn("failed to record evaluation trace", "incident_id", inc.ID, "error", err)
			}
			evidence.Evaluation = &eval
			return evidence, nil
		}
	}

	// Fall back to the latest stored verdict, if any.
	prior, err := m.store.Evaluations(ctx, inc.ID)
	if err != nil {
		return scoring.Evidence{}, fmt.Errorf("load evaluations: %w", err)
	}
	if len(prior) > 0 {
		latest := prior[len(prior)-1]
		evidence.Evaluation = &latest
	}
	return evidence, nil
}

// decide picks the automatic target status for the recomputed score. The
// returned trigger is ai only when the AI recommendation alone caused the
// escalation.
func (m *Manager) decide(current domain.Status, res scoring.Result, eval *domain.Evaluation) (domain.Status, domain.TriggerSource) {
	if res.ResolveWeight >= m.policy.ResolveWeight {
		return domain.StatusResolved, domain.TriggerSystem
	}
	if res.Score < m.policy.SuppressFloor && !res.HasOfficial {
		return domain.StatusSuppress, domain.TriggerSystem
	}

	switch current {
	case domain.StatusMonitor:
		if res.Score >= m.policy.AlertThreshold || res.HasOfficial {
			return domain.StatusAlert, domain.TriggerSystem
		}
		if eval != nil && eval.RecommendedAction == domain.ActionAlert {
			return domain.StatusAlert, domain.TriggerAI
		}
	case domain.StatusAlert:
		if res.Score < m.policy.AlertThreshold && !res.HasOfficial {
			return domain.StatusMonitor, domain.TriggerSystem
		}
	}
	return current, domain.TriggerSystem
}

// AddVerification records user feedback and re-evaluates the incident.
func (m *Manager) AddVerification(ctx context.Context, v domain.Verification) (*domain.LifecycleEvent, error) {
	if _, err := m.store.GetIncident(ctx, v.IncidentID); err != nil {
		return nil, err
	}
	v.CreatedAt = m.clock.Now().UTC()
	if v.ID == "" {
		v.ID = "ver-" + uuid.NewString()
	}
	if err := m.store.AddVerification(ctx, v); err != nil {
		return nil, fmt.Errorf("record verification: %w", err)
	}
	return m.Reevaluate(ctx, v.IncidentID)
}

// AdminTransition forces a transition outside automatic thresholds. It is
// the only path that may reopen a terminal incident, and it always requires
// a reason.
func (m *Manager) AdminTransition(ctx context.Context, incidentID string, to domain.Status, reason, actor string) (domain.LifecycleEvent, error) {
	if reason == "" {
		return domain.LifecycleEvent{}, fmt.Errorf("%w: admin transitions require a reason", domain.ErrInvalidTransition)
	}

	mu := m.lockFor(incidentID)
	mu.Lock()
	defer mu.Unlock()

	ev, err := m.adminTransitionLocked(ctx, incidentID, to, reason, actor)
	if errors.Is(err, domain.ErrTransitionConflict) {
		m.metrics.TransitionErrors.WithLabelValues("conflict").Inc()
		return m.adminTransitionLocked(ctx, incidentID, to, reason, actor)
	}
	return ev, err
}

func (m *Manager) adminTransitionLocked(ctx context.Context, incidentID string, to domain.Status, reason, actor string) (domain.LifecycleEvent, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return domain.LifecycleEvent{}, err
	}
	if !Allowed(inc.Status, to, domain.TriggerAdmin) {
		m.metrics.TransitionErrors.WithLabelValues("invalid").Inc()
		return domain.LifecycleEvent{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, inc.Status, to)
	}

	now := m.clock.Now().UTC()
	next := inc
	next.Status = to
	next.UpdatedAt = now

	ev := domain.LifecycleEvent{
		ID:          "lev-" + uuid.NewString(),
		IncidentID:  inc.ID,
		FromStatus:  inc.Status,
		ToStatus:    to,
		TriggeredBy: domain.TriggerAdmin,
		ChangedBy:   actor,
		Reason:      reason,
		CreatedAt:   now,
	}
	if err := m.store.ApplyTransition(ctx, next, ev); err != nil {
		return domain.LifecycleEvent{}, err
	}

	m.metrics.Transitions.WithLabelValues(string(ev.FromStatus), string(ev.ToStatus), string(domain.TriggerAdmin)).Inc()
	m.logger.Info("admin transition",
		"incident_id", inc.ID, "from", ev.FromStatus, "to", to, "actor", actor, "reason", reason)
	return ev, nil
}

func (m *Manager) lockFor(incidentID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(incidentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func summarize(c domain.Cluster, signalCount int) string {
	what := c.EventTypeGuess
	if what == "" {
		what = "possible event"
	}
	where := c.City
	if where == "" {
		where = fmt.Sprintf("%.3f,%.3f", c.Centroid.Lat, c.Centroid.Lng)
	}
	return fmt.Sprintf("%s near %s (%d signals)", what, where, signalCount)
}

func transitionReason(to domain.Status, res scoring.Result) string {
	switch to {
	case domain.StatusAlert:
		if res.HasOfficial {
			return "official source present"
		}
		return fmt.Sprintf("confidence %.2f crossed alert threshold", res.Score)
	case domain.StatusMonitor:
		return fmt.Sprintf("confidence %.2f dropped below alert threshold", res.Score)
	case domain.StatusSuppress:
		return fmt.Sprintf("confidence %.2f fell below suppression floor", res.Score)
	case domain.StatusResolved:
		return fmt.Sprintf("resolution weight %.2f reached threshold", res.ResolveWeight)
	default:
		return ""
	}
}
