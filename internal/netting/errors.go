package netting

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error kinds. Every error returned by the engine matches exactly one of them via errors.Is.
var (
	ErrValidation  = errors.New("netting: validation failed")
	ErrNotFound    = errors.New("netting: not found")
	ErrState       = errors.New("netting: invalid state")
	ErrConsistency = errors.New("netting: consistency violated")
)

var (
	// ErrOperationNotFound indicates an unknown operation id.
	ErrOperationNotFound = kindError(ErrNotFound, "netting: operation not found")
	// ErrMatchNotFound indicates an unknown match id.
	ErrMatchNotFound = kindError(ErrNotFound, "netting: match not found")
	// ErrBatchNotFound indicates an unknown batch id.
	ErrBatchNotFound = kindError(ErrNotFound, "netting: batch not found")

	// ErrLegMismatch indicates buy and sell legs were swapped or mistyped.
	ErrLegMismatch = kindError(ErrState, "netting: operation type does not match leg")
	// ErrOperationNotCompleted indicates an operation outside COMPLETED status.
	ErrOperationNotCompleted = kindError(ErrState, "netting: operation is not completed")
	// ErrOperationImmutable indicates an import tried to rewrite a completed or matched operation.
	ErrOperationImmutable = kindError(ErrState, "netting: operation is completed and cannot change")
	// ErrInsufficientAvailable indicates the requested amount exceeds what is left to match.
	ErrInsufficientAvailable = kindError(ErrState, "netting: insufficient available amount")
	// ErrMatchNotActive indicates the match has been voided.
	ErrMatchNotActive = kindError(ErrState, "netting: match is not active")
	// ErrMatchAlreadyBatched indicates the match already belongs to a batch.
	ErrMatchAlreadyBatched = kindError(ErrState, "netting: match already assigned to a batch")
	// ErrBatchClosed indicates the batch is closed and its matches are locked.
	ErrBatchClosed = kindError(ErrState, "netting: batch is closed")
	// ErrInvalidStatus indicates an illegal batch status transition.
	ErrInvalidStatus = kindError(ErrState, "netting: invalid status transition")

	// ErrUnbalanced indicates a generated accounting entry whose debits differ from credits.
	ErrUnbalanced = kindError(ErrConsistency, "netting: accounting entry does not balance")
)

type sentinel struct {
	kind error
	msg  string
}

func kindError(kind error, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

func (e *sentinel) Error() string { return e.msg }

func (e *sentinel) Is(target error) bool { return target == e.kind }

// ValidationError reports malformed or non-positive input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("netting: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientAvailableError names the side that cannot cover the requested amount.
type InsufficientAvailableError struct {
	Side        Leg
	OperationID int64
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientAvailableError) Error() string {
	return fmt.Sprintf("netting: insufficient available amount on %s operation %d: available %s, requested %s",
		e.Side, e.OperationID, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientAvailableError) Is(target error) bool {
	return target == ErrInsufficientAvailable || target == ErrState
}

// ConsistencyError reports an internal invariant violation on a batch.
type ConsistencyError struct {
	BatchID int64
	Detail  string
	Err     error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("netting: batch %d inconsistent: %s: %v", e.BatchID, e.Detail, e.Err)
	}
	return fmt.Sprintf("netting: batch %d inconsistent: %s", e.BatchID, e.Detail)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

func (e *ConsistencyError) Unwrap() error { return e.Err }

// ErrorKind classifies err into one of the four kinds, or nil for infrastructure errors.
func ErrorKind(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrState, ErrConsistency} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
