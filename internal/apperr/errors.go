// Package apperr defines the error taxonomy shared by every vault component.
// Errors are wrapped with fmt.Errorf("...: %w", ...) at the call site and
// matched with errors.Is.
package apperr

import "errors"

var (
	// ErrNotFound marks a missing node, parent, card, or tag reference.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a path or id collision that could not be resolved
	// within the retry bound.
	ErrConflict = errors.New("conflict")

	// ErrValidation marks a missing or malformed required field.
	ErrValidation = errors.New("validation failed")

	// ErrTxAbort marks a storage transaction that failed to commit. No
	// partial state is visible to callers for single-operation transactions.
	ErrTxAbort = errors.New("transaction aborted")
)
