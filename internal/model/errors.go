package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrNotOwner is returned when a queue element is acknowledged by a consumer
	// that doesn't hold its claim.
	ErrNotOwner = errors.New("not the claim owner")
	// ErrConflict is returned when an operation conflicts with the current state
	// of a resource (e.g. a cluster that already has a job in progress).
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned when a status transition is not legal.
	ErrInvalidTransition = errors.New("invalid status transition")
)
