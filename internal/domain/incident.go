package domain

import "time"

// Status is an incident's lifecycle state.
type Status string

const (
	StatusMonitor  Status = "monitor"
	StatusAlert    Status = "alert"
	StatusSuppress Status = "suppress"
	StatusResolved Status = "resolved"
)

// Severity is a coarse impact classification carried on the incident.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// TriggerSource identifies what caused a lifecycle transition. It is a closed
// set so the transition table can be checked exhaustively.
type TriggerSource string

const (
	TriggerSystem TriggerSource = "system"
	TriggerAI     TriggerSource = "ai"
	TriggerAdmin  TriggerSource = "admin"
)

// Incident is a cluster promoted to a tracked, user-facing entity.
// Status only ever changes through the lifecycle manager; ConfidenceScore is
// recomputed from current evidence on every relevant arrival, so it moves in
// both directions.
type Incident struct {
	ID              string    `json:"id"`
	ClusterID       string    `json:"cluster_id"`
	EventType       string    `json:"event_type"`
	City            string    `json:"city,omitempty"`
	Centroid        Geo       `json:"centroid"`
	Severity        Severity  `json:"severity"`
	ConfidenceScore float64   `json:"confidence_score"`
	Status          Status    `json:"status"`
	Summary         string    `json:"summary,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LifecycleEvent is one append-only audit record of a status transition.
// FromStatus is empty for the creation transition.
type LifecycleEvent struct {
	ID          string        `json:"id"`
	IncidentID  string        `json:"incident_id"`
	FromStatus  Status        `json:"from_status,omitempty"`
	ToStatus    Status        `json:"to_status"`
	TriggeredBy TriggerSource `json:"triggered_by"`
	ChangedBy   string        `json:"changed_by"`
	Reason      string        `json:"reason"`
	CreatedAt   time.Time     `json:"created_at"`
}

// VerificationType classifies a user's feedback on an incident.
type VerificationType string

const (
	VerifyConfirm        VerificationType = "confirm"
	VerifyStillHappening VerificationType = "still_happening"
	VerifyFalse          VerificationType = "false"
	VerifyResolved       VerificationType = "resolved"
)

// Verification is one user's feedback on an incident. Reputation is the
// submitting user's trust weight in [0,1]; it bounds how far a single user
// can move the confidence score.
type Verification struct {
	ID         string           `json:"id"`
	IncidentID string           `json:"incident_id"`
	UserID     string           `json:"user_id"`
	Type       VerificationType `json:"type"`
	Reputation float64          `json:"reputation"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Consistency is the AI collaborator's qualitative corroboration verdict.
type Consistency string

const (
	ConsistencyStrong   Consistency = "strong"
	ConsistencyModerate Consistency = "moderate"
	ConsistencyWeak     Consistency = "weak"
)

// RecommendedAction is the AI collaborator's suggested lifecycle move.
type RecommendedAction string

const (
	ActionAlert   RecommendedAction = "alert"
	ActionMonitor RecommendedAction = "monitor"
	ActionNone    RecommendedAction = "none"
)

// Evaluation is an AI-produced verdict attached to an incident. It is
// recorded as a trace and informs scoring, but never mutates incident state
// directly; the lifecycle manager decides.
type Evaluation struct {
	ID                string            `json:"id"`
	IncidentID        string            `json:"incident_id"`
	ConfidenceScore   float64           `json:"confidence_score"`
	Consistency       Consistency       `json:"consistency_assessment"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	Explanation       string            `json:"explanation,omitempty"`
	RawResponse       []byte            `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
}

// PlaceWatch is one user's watched place, as returned by the place-watch
// directory for a radius query.
type PlaceWatch struct {
	UserID      string `json:"user_id"`
	UserPlaceID string `json:"user_place_id"`
	Geo         Geo    `json:"geo"`
}

// OutboxEntry is a pending notification delivery. Entries are consumed and
// deleted by the external delivery transport; undelivered entries past
// ExpiresAt are swept, not retried forever.
type OutboxEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	IncidentID       string    `json:"incident_id"`
	UserPlaceID      string    `json:"user_place_id"`
	NotificationType Status    `json:"notification_type"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// NotificationState is the single source of truth for notification dedup:
// exactly one row per (user, incident, place) tuple recording the last status
// the user was notified about.
type NotificationState struct {
	UserID            string    `json:"user_id"`
	IncidentID        string    `json:"incident_id"`
	UserPlaceID       string    `json:"user_place_id"`
	LastNotifiedState Status    `json:"last_notified_status"`
	LastNotifiedAt    time.Time `json:"last_notified_at"`
}

// DailyNotificationStat is the observational per-day aggregate of distinct
// enqueued notifications per incident. It is never read back into dedup
// decisions.
type DailyNotificationStat struct {
	Day               string `json:"day"` // YYYY-MM-DD, UTC
	IncidentID        string `json:"incident_id"`
	NotifiedUserCount int    `json:"notified_user_count"`
}
