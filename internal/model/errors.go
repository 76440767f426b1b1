package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned when a job (or the blob it references) does not exist.
	ErrNotFound = eris.New("not found")

	// ErrTerminal is returned by a store when processing is requested for a
	// job that already reached Completed or Failed.
	ErrTerminal = eris.New("job already terminal")

	// ErrStaleTransition is returned by a store when a conditional transition
	// matched no row because another delivery of the same job moved it first.
	ErrStaleTransition = eris.New("stale job transition")
)

// InvariantViolation is the panic value raised for an illegal state
// transition. It is a programming error and is never shown to end users.
type InvariantViolation struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: job %s cannot move from %s to %s", v.JobID, v.From, v.To)
}
