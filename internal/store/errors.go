package store

import "github.com/hyperengineering/pantry/internal/types"

// Store errors share identity with the shared taxonomy so callers can match
// either with errors.Is.
var (
	ErrNotFound    = types.ErrNotFound
	ErrDuplicateID = types.ErrDuplicateID
	ErrCorrupt     = types.ErrCorrupt
)
