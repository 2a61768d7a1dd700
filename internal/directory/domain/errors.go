package domain

import "errors"

var (
	// ErrNotFound indicates that no directory record exists for the number.
	ErrNotFound = errors.New("number not found")
	// ErrNumberTaken indicates a uniqueness violation on insert: the candidate
	// number is already registered. Retryable, not fatal.
	ErrNumberTaken = errors.New("number already taken")
	// ErrAllocationExhausted indicates the allocation retry budget was spent
	// without finding a free number.
	ErrAllocationExhausted = errors.New("could not allocate a unique number after maximum attempts")
	// ErrNotInitialized indicates an operation that requires a bound number
	// was called before allocation.
	ErrNotInitialized = errors.New("number not initialized")
)
