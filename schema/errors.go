package schema

import "errors"

// Common registry errors.
var (
	// ErrNotFound is returned when no stored version satisfies a lookup.
	ErrNotFound = errors.New("schema not found")
)
