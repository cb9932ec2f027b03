package shared

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Error kinds raised by the ledger core. Callers match with errors.Is and
// inspect detail via errors.As on the concrete types below.
var (
	// ErrValidation indicates malformed input, an inactive entity or a
	// tracking-mode mismatch.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock indicates a decrement exceeding availability.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidStateTransition indicates a status that does not permit the
	// requested transition.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError carries the failing field and reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validationf builds a ValidationError for the given field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientStockError reports how far a decrement overshot availability.
type InsufficientStockError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: available %s, requested %s", e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InvalidStateTransitionError names the entity and the rejected edge.
type InvalidStateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s %s -> %s", e.Entity, e.From, e.To)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Entity string
	ID     uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
