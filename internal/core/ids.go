package core

import "github.com/google/uuid"

// NewID returns a fresh globally-unique opaque identifier, stable across
// restarts once persisted.
func NewID() string { return uuid.NewString() }
