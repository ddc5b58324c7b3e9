package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrCorruptEntry is returned by cache stores when a persisted entry
	// cannot be decoded. Callers treat it as a miss.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)
