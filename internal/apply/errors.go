package apply

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when an apply is already in progress. Callers
// retry; the coordinator never queues.
var ErrBusy = errors.New("another apply is in progress")

// PreconditionError means the system was not in the expected state
// when the apply started (for example the change set was validated
// against a policy version that has since been replaced).
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// AdapterError wraps a subsystem failure during apply, attributing it
// to the adapter and the change that triggered it.
type AdapterError struct {
	Adapter  string
	ChangeID string
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s failed on change %s: %v", e.Adapter, e.ChangeID, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// RollbackFailure is the terminal bad state: the apply failed AND the
// rollback could not restore the prior configuration. The system may
// be inconsistent and needs operator attention.
type RollbackFailure struct {
	Cause       error // why the apply was being rolled back
	RollbackErr error // why the rollback itself failed
	SnapshotID  string
}

func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("rollback failed (snapshot %s): %v; original failure: %v",
		e.SnapshotID, e.RollbackErr, e.Cause)
}

func (e *RollbackFailure) Unwrap() error { return e.RollbackErr }
