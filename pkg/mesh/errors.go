package mesh

import "errors"

// Package-level errors.
var (
	// ErrAlreadyStarted is returned when Start() is called on a running node.
	ErrAlreadyStarted = errors.New("mesh: node already started")

	// ErrNotStarted is returned when an operation requires a running node.
	ErrNotStarted = errors.New("mesh: node not started")

	// ErrAlreadyStopped is returned when Stop() is called on a stopped node.
	ErrAlreadyStopped = errors.New("mesh: node already stopped")

	// ErrInvalidConfig is returned when NodeConfig validation fails.
	ErrInvalidConfig = errors.New("mesh: invalid configuration")

	// ErrTransportRequired is returned when Transport is nil.
	ErrTransportRequired = errors.New("mesh: transport is required")

	// ErrNameTooLong is returned when Name exceeds MaxNameLength.
	ErrNameTooLong = errors.New("mesh: name too long")
)
