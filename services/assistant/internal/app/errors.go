package app

import "errors"

var (
	// ErrValidation marks missing or malformed input. No state was changed.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized marks an unresolvable caller identity.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCompletion marks a failed call to the completion service.
	ErrCompletion = errors.New("completion service failed")
	// ErrPersistence marks a store read or write failure.
	ErrPersistence = errors.New("persistence failed")
)
