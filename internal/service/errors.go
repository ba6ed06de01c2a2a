package service

import "errors"

var (
	// ErrEmptyUpdate is returned when an append carries no payload.
	ErrEmptyUpdate = errors.New("update payload is empty")
	// ErrInvalidUpdate is returned when a payload does not apply cleanly.
	ErrInvalidUpdate = errors.New("update payload is not a valid document change")
)
