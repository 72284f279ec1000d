package domain

import "errors"

var (
	// ErrNotFound is returned when a referenced chat does not exist.
	ErrNotFound = errors.New("chat not found")
	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrUpstream is returned when the completion provider fails or disconnects.
	ErrUpstream = errors.New("completion provider failed")
	// ErrPersistence is returned when the transcript store cannot read or write a record.
	ErrPersistence = errors.New("transcript store failed")
)
