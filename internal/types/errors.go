package types

import "errors"

// Engine error taxonomy. Validation errors reject synchronously with no
// side effects; ErrOrderNotFillable is internal to the matching loop and
// makes it re-read the book; ErrConcurrencyConflict surfaces only after
// bounded retries are exhausted.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
	ErrNotCancellable      = errors.New("order not cancellable")
	ErrOrderNotFillable    = errors.New("order not fillable")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
