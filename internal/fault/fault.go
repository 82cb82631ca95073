// Package fault defines the error kinds returned by the disposal engine. All of them
// travel back to the caller as values; nothing in the engine panics or swallows an
// invalid transition.
package fault

import (
	"fmt"
	"strings"
)

// Validation indicates malformed or missing input. The caller fixes the request.
type Validation struct {
	Field  string
	Reason string
}

func (e Validation) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidState indicates an operation that is not legal in the case's current status.
type InvalidState struct {
	CaseID    string
	Status    string
	Operation string
}

func (e InvalidState) Error() string {
	return fmt.Sprintf("case %s: %s not allowed in status %s", e.CaseID, e.Operation, e.Status)
}

// Conflict indicates an optimistic-concurrency or uniqueness violation. Retry with a
// refreshed version.
type Conflict struct {
	Resource string
	Reason   string
}

func (e Conflict) Error() string {
	return fmt.Sprintf("%s: %s", e.Resource, e.Reason)
}

// NotFound indicates a referenced case, link or asset is absent.
type NotFound struct {
	Kind string
	ID   string
}

func (e NotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// AssetFailure records one failed asset-status update during finalization.
type AssetFailure struct {
	AssetID string `json:"asset_id"`
	Reason  string `json:"reason"`
}

// PartialFailure means the finalize fan-out disposed some assets but not all. The case
// stays APPROVED and a later Finalize picks up where this one stopped.
type PartialFailure struct {
	CaseID   string
	Disposed int
	Failed   []AssetFailure
}

func (e PartialFailure) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, f.AssetID)
	}
	return fmt.Sprintf("case %s: %d asset(s) disposed, %d failed (%s)",
		e.CaseID, e.Disposed, len(e.Failed), strings.Join(ids, ", "))
}

// Upstream wraps a transient collaborator failure. Retryable with backoff.
type Upstream struct {
	Collaborator string
	Err          error
}

func (e Upstream) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e Upstream) Unwrap() error { return e.Err }

// Required is shorthand for the missing-field validation failure.
func Required(field string) Validation {
	return Validation{Field: field, Reason: "required"}
}
