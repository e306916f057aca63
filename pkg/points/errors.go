package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the points ledger.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidEntryKind       = errors.New("invalid entry kind")
	ErrInvalidExpiry          = errors.New("invalid expiry")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidPage            = errors.New("invalid page")
	ErrInvalidPageSize        = errors.New("invalid page size")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrAccountNotFound        = errors.New("account not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrDuplicateAccount       = errors.New("duplicate account")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrTransientConflict      = errors.New("transient conflict")
)

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
