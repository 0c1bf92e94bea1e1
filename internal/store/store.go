package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hyperengineering/pantry/internal/types"
)

// Store defines the interface contract for the local document store.
type Store interface {
	Get(ctx context.Context, collection, id string) (*types.Document, error)
	List(ctx context.Context, collection string) ([]types.Document, error)
	Insert(ctx context.Context, collection string, doc types.Document) (*types.Document, error)
	Update(ctx context.Context, collection, id string, patch json.RawMessage) (*types.Document, error)
	Remove(ctx context.Context, collection, id string) (bool, error)
	ApplyRemote(ctx context.Context, doc types.Document, decide ApplyFunc) (ApplyOutcome, error)
	Warmed(ctx context.Context, collection string) (bool, error)
	Subscribe() (<-chan types.ChangeEvent, func())

	OutboxEntry(ctx context.Context, collection, id string) (*types.OutboxEntry, error)
	PendingOutbox(ctx context.Context, collection string) ([]types.OutboxEntry, error)
	DueOutbox(ctx context.Context, collection string, now time.Time, limit int) ([]types.OutboxEntry, error)
	ConfirmOutbox(ctx context.Context, entry types.OutboxEntry, remote *types.Document) (bool, error)
	FailOutbox(ctx context.Context, entry types.OutboxEntry, cause error, next time.Time) (int, error)
	DropOutbox(ctx context.Context, entry types.OutboxEntry) (bool, error)

	Checkpoint(ctx context.Context, collection string) (Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, collection string, revision int64) error
	MarkWarmed(ctx context.Context, collection string) error

	Session(ctx context.Context) (types.Session, error)
	SaveSession(ctx context.Context, sess types.Session) error
	ClearSession(ctx context.Context) error

	IntegrityCheck(ctx context.Context) error
	Reset(ctx context.Context) error
	Stats(ctx context.Context) (*types.StoreStats, error)
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
