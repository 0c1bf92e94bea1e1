package types

import "errors"

// Error taxonomy shared across component boundaries. Concrete errors wrap one
// of these so callers classify with errors.Is.
var (
	// ErrNetwork is a transport failure or timeout. Retryable.
	ErrNetwork = errors.New("network error")

	// ErrAuth means the session is missing or rejected. Replication halts
	// until the user logs in again.
	ErrAuth = errors.New("authentication error")

	// ErrNotFound is a lookup miss.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateID means a document with the same id already exists.
	ErrDuplicateID = errors.New("duplicate document id")

	// ErrSchemaViolation marks a malformed document. The document is skipped.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrSyncConflict marks a concurrent local/remote write. It is resolved
	// automatically and only logged.
	ErrSyncConflict = errors.New("sync conflict")

	// ErrCorrupt means the local store failed an integrity check and must be
	// reinitialised.
	ErrCorrupt = errors.New("local store corrupt")

	// ErrOffline is returned by operations that need the remote while the
	// client is offline.
	ErrOffline = errors.New("offline")
)

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
