package drops

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientSupply = errors.New("insufficient supply")
	ErrNotFound           = errors.New("reservation not found")
	ErrDropNotFound       = errors.New("drop not found")
	ErrAlreadyFinalized   = errors.New("reservation already finalized")
	ErrExpired            = errors.New("reservation expired")
	ErrNotEligible        = errors.New("reservation not eligible for extension")
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicate          = errors.New("duplicate")

	// ErrVersionConflict is transient: the ledger gave up retrying a contended
	// update. Callers may retry the whole operation.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTransitionLost means a conditional transition did not apply because
	// the record was no longer in the expected state.
	ErrTransitionLost = errors.New("transition lost")

	// ErrLedgerUnderflow means a commit/release found no reserved unit.
	ErrLedgerUnderflow = errors.New("ledger underflow")
)

// FinalizedError carries the status of a reservation that can no longer be
// confirmed. It matches ErrAlreadyFinalized.
type FinalizedError struct {
	ID     string
	Status Status
}

func (e *FinalizedError) Error() string {
	return fmt.Sprintf("reservation %s already %s", e.ID, e.Status)
}

func (e *FinalizedError) Is(target error) bool {
	return target == ErrAlreadyFinalized
}

// Retryable reports whether err is a transient failure worth retrying as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
