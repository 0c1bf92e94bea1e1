package replication

import "github.com/hyperengineering/pantry/internal/types"

// ConflictResolver decides whether a remote document replaces the local copy.
// local is nil when the id is unknown locally.
type ConflictResolver interface {
	Resolve(local *types.Document, remote types.Document) bool
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(local *types.Document, remote types.Document) bool

// Resolve calls f.
func (f ResolverFunc) Resolve(local *types.Document, remote types.Document) bool {
	return f(local, remote)
}

// LastWriterWins keeps the copy with the higher revision. Equal revisions
// fall back to the later UpdatedAt; a full tie keeps local, which makes
// replaying a pull a no-op.
type LastWriterWins struct{}

// Resolve implements ConflictResolver.
func (LastWriterWins) Resolve(local *types.Document, remote types.Document) bool {
	if local == nil {
		return true
	}
	if remote.Revision != local.Revision {
		return remote.Revision > local.Revision
	}
	return remote.UpdatedAt.After(local.UpdatedAt)
}
