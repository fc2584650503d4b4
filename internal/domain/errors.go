package domain

import (
	"errors"
	"fmt"
)

// Expected conditions (no matching cluster, below-threshold confidence) are
// ordinary return values. These errors cover the genuinely exceptional cases.
var (
	// ErrInvalidTransition is returned for a state-machine move outside the
	// allowed table. The incident is left unchanged.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrTransitionConflict is returned when two transition attempts raced and
	// this one lost its compare-and-set on the prior status.
	ErrTransitionConflict = errors.New("concurrent transition conflict")

	// ErrScoringUnavailable is returned when the external AI evaluation timed
	// out or failed; callers degrade to the rule-based score.
	ErrScoringUnavailable = errors.New("ai evaluation unavailable")

	// ErrNotFound is returned for lookups of unknown ids.
	ErrNotFound = errors.New("not found")
)

// InvalidSignalError rejects a signal at the ingestion boundary.
type InvalidSignalError struct {
	Reason string
}

func (e *InvalidSignalError) Error() string {
	return fmt.Sprintf("invalid signal: %s", e.Reason)
}

// IsInvalidSignal reports whether err is an ingestion-boundary rejection.
func IsInvalidSignal(err error) bool {
	var ise *InvalidSignalError
	return errors.As(err, &ise)
}
