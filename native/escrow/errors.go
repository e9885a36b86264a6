package escrow

import "errors"

// Failure reasons surfaced by the engine. Callers match them with errors.Is;
// the engine wraps each with the specific cause.
var (
	ErrInvalidArgument = errors.New("escrow: invalid argument")
	ErrConflict        = errors.New("escrow: identifier already registered")
	ErrInvalidState    = errors.New("escrow: invalid state")
	ErrUnauthorized    = errors.New("escrow: unauthorized")
	ErrValueMismatch   = errors.New("escrow: attached value does not match amount")

	// ErrNotFound is returned by read helpers for unknown identifiers.
	ErrNotFound = errors.New("escrow: deal not found")

	errNilState = errors.New("escrow engine: state not configured")
)
