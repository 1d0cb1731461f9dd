package txn

import (
	"errors"
	"fmt"
)

// ApplyError wraps a failure of the unit's apply step.
type ApplyError struct {
	UnitID string
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.UnitID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ValidationError wraps a failed validator chain.
type ValidationError struct {
	UnitID string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %v", e.UnitID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// FatalRollbackError means a restore failed or could not be verified. The
// target is in an unknown state and the run must halt for an operator.
type FatalRollbackError struct {
	UnitID        string
	TransactionID string
	BackupID      string
	Cause         error // why the rollback was needed
	Err           error // why the rollback failed
}

func (e *FatalRollbackError) Error() string {
	return fmt.Sprintf("FATAL: rollback of %s (transaction %s, backup %s) failed: %v; original failure: %v",
		e.UnitID, e.TransactionID, e.BackupID, e.Err, e.Cause)
}

func (e *FatalRollbackError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a failed rollback.
func IsFatal(err error) bool {
	var fe *FatalRollbackError
	return errors.As(err, &fe)
}

// RestoreMismatchError means the target did not match the backup after a
// restore.
type RestoreMismatchError struct {
	Target string
}

func (e *RestoreMismatchError) Error() string {
	return fmt.Sprintf("%s does not match its backup after restore", e.Target)
}
