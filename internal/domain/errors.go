package domain

import (
	"errors"
	"fmt"
)

// Errors returned by fulfillment operations. Callers match with errors.Is;
// operations wrap them with detail.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyAccepted   = fmt.Errorf("%w: quotation already accepted", ErrConflict)
	ErrForbidden         = errors.New("forbidden")
	ErrUnavailable       = errors.New("unavailable")
	ErrExpired           = errors.New("quotation expired")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPrecondition      = errors.New("precondition failed")
	ErrInconsistent      = errors.New("inconsistent state")
	ErrTimeout           = errors.New("operation timed out")
)
