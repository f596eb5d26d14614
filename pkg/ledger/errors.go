package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrUnknownAccount           = errors.New("unknown account")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrReservationSettled       = errors.New("reservation already settled")
	ErrTransientConflict        = errors.New("transient storage conflict")
	ErrUnknownPackage           = errors.New("unknown package")
	ErrUnknownPurchase          = errors.New("unknown purchase")
	ErrDuplicatePurchase        = errors.New("duplicate purchase")
	ErrPurchaseMismatch         = errors.New("purchase does not match payment event")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidReservationTTL    = errors.New("invalid reservation ttl")
	ErrInvalidPackageID         = errors.New("invalid package id")
	ErrInvalidPackage           = errors.New("invalid package")
	ErrInvalidSessionRef        = errors.New("invalid session reference")
	ErrInvalidPurchaseStatus    = errors.New("invalid purchase status")
	ErrInvalidCredits           = errors.New("invalid credits")
	ErrInvalidPaymentEvent      = errors.New("invalid payment event")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// InsufficientCreditsError reports a denied reservation with the balance left.
type InsufficientCreditsError struct {
	Remaining Credits
}

// Error returns the formatted error message.
func (insufficientError *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: %d remaining", ErrInsufficientCredits, insufficientError.Remaining)
}

// Is matches ErrInsufficientCredits.
func (insufficientError *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
