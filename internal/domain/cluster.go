package domain

import "time"

// ClusterStatus tracks a cluster's position in its lifecycle.
type ClusterStatus string

const (
	ClusterOpen     ClusterStatus = "open"     // accepting new signals
	ClusterClosed   ClusterStatus = "closed"   // aged out with no promotion
	ClusterPromoted ClusterStatus = "promoted" // an incident was created from it
)

// Cluster is a spatiotemporal grouping hypothesis: the set of signals
// believed to describe one real-world event. Open clusters are mutable
// (members, centroid, time window); a cluster becomes immutable once it is
// promoted or closed.
type Cluster struct {
	ID             string        `json:"id"`
	City           string        `json:"city"`
	EventTypeGuess string        `json:"event_type_guess,omitempty"`
	Centroid       Geo           `json:"centroid"`
	TimeStart      time.Time     `json:"time_start"`
	TimeEnd        time.Time     `json:"time_end"`
	SignalIDs      []string      `json:"signal_ids"`
	Status         ClusterStatus `json:"status"`
}
