package engine

import "errors"

// Engine error types.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrLocked         = errors.New("object is locked by another operation")
	ErrObjectNotFound = errors.New("object not found")
	ErrBlockMissing   = errors.New("block missing from blob store")
)
