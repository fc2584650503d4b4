// Package httpapi exposes the public API: signal submission, incident
// queries, verifications, place watches, and the admin transition override.
// Liveness and metrics live on the separate ops server; this router carries
// only the user-facing surface behind API-key auth.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
)

// Processor runs a submitted signal through the same chain as the Kafka
// consumer.
type Processor interface {
	Process(ctx context.Context, raw domain.RawMessage) ([]domain.OutboxEntry, error)
}

// Lifecycle is the incident-mutation surface the API needs.
type Lifecycle interface {
	AddVerification(ctx context.Context, v domain.Verification) (*domain.LifecycleEvent, error)
	AdminTransition(ctx context.Context, incidentID string, to domain.Status, reason, actor string) (domain.LifecycleEvent, error)
}

// Dispatcher fans a committed transition out to watching users. Transitions
// committed through this API notify watchers exactly like engine-driven ones.
type Dispatcher interface {
	Dispatch(ctx context.Context, inc domain.Incident, ev domain.LifecycleEvent) ([]domain.OutboxEntry, error)
}

// Store is the read/watch slice the API needs.
type Store interface {
	GetIncident(ctx context.Context, id string) (domain.Incident, error)
	ListIncidents(ctx context.Context, statuses ...domain.Status) ([]domain.Incident, error)
	LifecycleEvents(ctx context.Context, incidentID string) ([]domain.LifecycleEvent, error)
	Evaluations(ctx context.Context, incidentID string) ([]domain.Evaluation, error)
	AddPlaceWatch(ctx context.Context, w domain.PlaceWatch) error
	Ping(ctx context.Context) error
}

// NewRouter wires the public API.
// Public: /health, /ready
// Authenticated (X-API-Key): everything else.
func NewRouter(apiKeys map[string]string, proc Processor, lc Lifecycle, disp Dispatcher, st Store,
	clock clockwork.Clock, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	authGroup := r.Group("/")
	authGroup.Use(apiKeyMiddleware(apiKeys))

	h := &handlers{proc: proc, lifecycle: lc, dispatch: disp, store: st, clock: clock, logger: logger}
	authGroup.POST("/signals", h.submitSignal)
	authGroup.GET("/incidents", h.listIncidents)
	authGroup.GET("/incidents/:id", h.getIncident)
	authGroup.GET("/incidents/:id/events", h.listEvents)
	authGroup.GET("/incidents/:id/evaluations", h.listEvaluations)
	authGroup.POST("/incidents/:id/verifications", h.addVerification)
	authGroup.POST("/incidents/:id/transition", h.adminTransition)
	authGroup.POST("/watches", h.addWatch)

	return r
}

const actorCtxKey = "actor"

// apiKeyMiddleware maps X-API-Key to an actor identity.
func apiKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := keys[c.GetHeader("X-API-Key")]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(actorCtxKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) string {
	v, _ := c.Get(actorCtxKey)
	s, _ := v.(string)
	return s
}

type handlers struct {
	proc      Processor
	lifecycle Lifecycle
	dispatch  Dispatcher
	store     Store
	clock     clockwork.Clock
	logger    *slog.Logger
}

// dispatchEvent notifies watchers of a transition committed through this API.
// Dispatch failures are logged, not surfaced: the transition is already
// durable, and pending outbox entries are republished by the maintenance
// loop.
func (h *handlers) dispatchEvent(ctx context.Context, ev domain.LifecycleEvent) {
	inc, err := h.store.GetIncident(ctx, ev.IncidentID)
	if err != nil {
		h.logger.Error("incident lookup for dispatch failed", "error", err, "incident_id", ev.IncidentID)
		return
	}
	if _, err := h.dispatch.Dispatch(ctx, inc, ev); err != nil {
		h.logger.Error("notification dispatch failed", "error", err, "incident_id", ev.IncidentID)
	}
}

// submitSignal accepts one raw signal record and runs it through the full
// processing chain synchronously. Invalid coordinates or an empty source are
// rejected up front; acceptance means the signal is durable.
func (h *handlers) submitSignal(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	raw := domain.RawMessage{Value: body, Timestamp: h.clock.Now().UTC()}
	sig, err := domain.ParseRawSignal(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sig.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.proc.Process(c.Request.Context(), raw); err != nil {
		h.logger.Error("signal submission failed", "error", err, "source", sig.Source)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"signal_id": sig.ID})
}

func (h *handlers) listIncidents(c *gin.Context) {
	var statuses []domain.Status
	for _, s := range c.QueryArray("status") {
		st := domain.Status(s)
		switch st {
		case domain.StatusMonitor, domain.StatusAlert, domain.StatusSuppress, domain.StatusResolved:
			statuses = append(statuses, st)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + s})
			return
		}
	}

	incidents, err := h.store.ListIncidents(c.Request.Context(), statuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

func (h *handlers) getIncident(c *gin.Context) {
	inc, err := h.store.GetIncident(c.Request.Context(), c.Param("id"))
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (h *handlers) listEvents(c *gin.Context) {
	if _, err := h.store.GetIncident(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	events, err := h.store.LifecycleEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *handlers) listEvaluations(c *gin.Context) {
	if _, err := h.store.GetIncident(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	evals, err := h.store.Evaluations(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": evals})
}

type verificationRequest struct {
	Type       string  `json:"type"`
	Reputation float64 `json:"reputation"`
}

func (h *handlers) addVerification(c *gin.Context) {
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	vt := domain.VerificationType(req.Type)
	switch vt {
	case domain.VerifyConfirm, domain.VerifyStillHappening, domain.VerifyFalse, domain.VerifyResolved:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown verification type"})
		return
	}
	if req.Reputation < 0 || req.Reputation > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reputation must be in [0,1]"})
		return
	}

	ev, err := h.lifecycle.AddVerification(c.Request.Context(), domain.Verification{
		IncidentID: c.Param("id"),
		UserID:     actorFrom(c),
		Type:       vt,
		Reputation: req.Reputation,
	})
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	resp := gin.H{"recorded": true}
	if ev != nil {
		resp["transition"] = ev
		h.dispatchEvent(c.Request.Context(), *ev)
	}
	c.JSON(http.StatusOK, resp)
}

type transitionRequest struct {
	ToStatus string `json:"to_status"`
	Reason   string `json:"reason"`
}

// adminTransition is the only external entry point that may force a
// transition outside automatic thresholds.
func (h *handlers) adminTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	to := domain.Status(req.ToStatus)
	switch to {
	case domain.StatusMonitor, domain.StatusAlert, domain.StatusSuppress, domain.StatusResolved:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + req.ToStatus})
		return
	}

	ev, err := h.lifecycle.AdminTransition(c.Request.Context(), c.Param("id"), to, req.Reason, actorFrom(c))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrTransitionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "transition conflicted, retry"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
	default:
		h.dispatchEvent(c.Request.Context(), ev)
		c.JSON(http.StatusOK, ev)
	}
}

type watchRequest struct {
	UserPlaceID string  `json:"user_place_id"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

func (h *handlers) addWatch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	if req.UserPlaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_place_id required"})
		return
	}
	geo := domain.Geo{Lat: req.Lat, Lng: req.Lng}
	if !geo.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinates"})
		return
	}

	err := h.store.AddPlaceWatch(c.Request.Context(), domain.PlaceWatch{
		UserID:      actorFrom(c),
		UserPlaceID: req.UserPlaceID,
		Geo:         geo,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "watch registration failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"registered": true})
}
