package registry

import "errors"

var (
	// ErrForbidden is returned when the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalid is returned when input fails validation.
	ErrInvalid = errors.New("invalid input")
)
