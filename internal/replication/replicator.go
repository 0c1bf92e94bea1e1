package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/pantry/internal/remote"
	"github.com/hyperengineering/pantry/internal/store"
	"github.com/hyperengineering/pantry/internal/types"
	"github.com/hyperengineering/pantry/internal/validation"
)

// PullResult counts what one pull cycle did.
type PullResult struct {
	Fetched  int
	Applied  int
	Stale    int
	Deferred int
	Skipped  int
	Cursor   int64
}

// PushResult counts what one push cycle did.
type PushResult struct {
	Pushed    int
	Failed    int
	Dropped   int
	Conflicts int
}

// Replicator pairs one local collection with its remote collection.
// Pull and Push are serialised so they never interleave.
type Replicator struct {
	collection string
	database   string
	remoteID   string

	store    store.Store
	gateway  remote.Gateway
	resolver ConflictResolver
	schedule Schedule
	pullSize int
	pushSize int
	now      func() time.Time

	mu sync.Mutex
}

// ReplicatorConfig configures a Replicator.
type ReplicatorConfig struct {
	Collection string
	Database   string
	RemoteID   string
	Resolver   ConflictResolver
	Schedule   Schedule
	PullBatch  int
	PushBatch  int
	Now        func() time.Time
}

// NewReplicator creates a replicator for one collection.
func NewReplicator(st store.Store, gw remote.Gateway, cfg ReplicatorConfig) *Replicator {
	if cfg.RemoteID == "" {
		cfg.RemoteID = cfg.Collection
	}
	if cfg.Resolver == nil {
		cfg.Resolver = LastWriterWins{}
	}
	if cfg.PullBatch <= 0 {
		cfg.PullBatch = 50
	}
	if cfg.PushBatch <= 0 {
		cfg.PushBatch = 10
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Replicator{
		collection: cfg.Collection,
		database:   cfg.Database,
		remoteID:   cfg.RemoteID,
		store:      st,
		gateway:    gw,
		resolver:   cfg.Resolver,
		schedule:   cfg.Schedule,
		pullSize:   cfg.PullBatch,
		pushSize:   cfg.PushBatch,
		now:        cfg.Now,
	}
}

// Collection returns the local collection name.
func (r *Replicator) Collection() string {
	return r.collection
}

// Pull applies remote changes newer than the checkpoint, one batch at a time
// until a short batch is returned. The checkpoint advances only after a whole
// batch applied; a store error leaves it where it was.
func (r *Replicator) Pull(ctx context.Context) (PullResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res PullResult
	for {
		cp, err := r.store.Checkpoint(ctx, r.collection)
		if err != nil {
			return res, err
		}
		res.Cursor = cp.Cursor

		page, err := r.gateway.ListDocuments(ctx, r.database, r.remoteID, remote.Query{
			AfterRevision: cp.Cursor,
			Limit:         r.pullSize,
		})
		if err != nil {
			return res, fmt.Errorf("pull %s: %w", r.collection, err)
		}

		docs := page.Documents
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].Revision < docs[j].Revision })

		highest := cp.Cursor
		for _, doc := range docs {
			doc.Collection = r.collection
			res.Fetched++
			if doc.Revision > highest {
				highest = doc.Revision
			}

			if !doc.Deleted {
				if err := validation.ValidateDocument(r.collection, doc.Data); err != nil {
					slog.Warn("skipping invalid remote document",
						"component", "replication",
						"action", "pull_skip",
						"collection", r.collection,
						"id", doc.ID,
						"revision", doc.Revision,
						"error", err,
					)
					res.Skipped++
					continue
				}
			}

			outcome, err := r.store.ApplyRemote(ctx, doc, r.resolver.Resolve)
			if err != nil {
				return res, fmt.Errorf("apply %s/%s: %w", r.collection, doc.ID, err)
			}
			switch outcome {
			case store.Applied:
				res.Applied++
			case store.Stale:
				res.Stale++
			case store.Deferred:
				res.Deferred++
				slog.Info("remote change deferred behind pending local write",
					"component", "replication",
					"action", "pull_deferred",
					"collection", r.collection,
					"id", doc.ID,
					"revision", doc.Revision,
					"error", types.ErrSyncConflict,
				)
			}
		}

		if highest > cp.Cursor {
			if err := r.store.AdvanceCheckpoint(ctx, r.collection, highest); err != nil {
				return res, err
			}
			res.Cursor = highest
		}

		if len(docs) < r.pullSize {
			return res, nil
		}
	}
}

// InitialSync pulls everything and marks the collection warmed.
func (r *Replicator) InitialSync(ctx context.Context) (PullResult, error) {
	res, err := r.Pull(ctx)
	if err != nil {
		return res, err
	}
	if err := r.store.MarkWarmed(ctx, r.collection); err != nil {
		return res, err
	}

	slog.Info("initial sync complete",
		"component", "replication",
		"action", "initial_sync",
		"collection", r.collection,
		"applied", res.Applied,
		"cursor", res.Cursor,
	)
	return res, nil
}

// Push sends due outbox entries to the remote. Auth failures stop the cycle
// at once and leave entries untouched. Retryable failures are rescheduled
// with backoff and the first one is returned after the batch.
func (r *Replicator) Push(ctx context.Context) (PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res PushResult
	entries, err := r.store.DueOutbox(ctx, r.collection, r.now(), r.pushSize)
	if err != nil {
		return res, err
	}

	var firstErr error
	for _, entry := range entries {
		err := r.pushOne(ctx, entry, &res)
		if err == nil {
			res.Pushed++
			continue
		}

		if errors.Is(err, types.ErrAuth) {
			return res, err
		}

		if errors.Is(err, types.ErrSchemaViolation) {
			rerr := r.rejected(ctx, entry, err, &res)
			if rerr == nil {
				continue
			}
			if errors.Is(rerr, types.ErrAuth) {
				return res, rerr
			}
			err = rerr
		}

		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		delay := r.schedule.Delay(entry.AttemptCount + 1)
		attempts, ferr := r.store.FailOutbox(ctx, entry, err, r.now().Add(delay))
		if ferr != nil {
			return res, ferr
		}
		res.Failed++
		if firstErr == nil {
			firstErr = err
		}

		slog.Warn("push failed",
			"component", "replication",
			"action", "push_failed",
			"collection", r.collection,
			"id", entry.DocumentID,
			"operation", entry.Operation,
			"attempts", attempts,
			"retry_in", delay.String(),
			"error", err,
		)
	}

	return res, firstErr
}

func (r *Replicator) pushOne(ctx context.Context, entry types.OutboxEntry, res *PushResult) error {
	switch entry.Operation {
	case types.OperationInsert:
		doc, err := r.gateway.CreateDocument(ctx, r.database, r.remoteID, entry.DocumentID, entry.Payload)
		if errors.Is(err, remote.ErrConflict) {
			// An earlier attempt reached the remote; replay as an update.
			return r.pushUpdate(ctx, entry, res)
		}
		if err != nil {
			return err
		}
		return r.confirm(ctx, entry, doc)

	case types.OperationUpdate:
		return r.pushUpdate(ctx, entry, res)

	case types.OperationDelete:
		err := r.gateway.DeleteDocument(ctx, r.database, r.remoteID, entry.DocumentID)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		return r.confirm(ctx, entry, nil)

	default:
		return fmt.Errorf("%w: unknown outbox operation %q", types.ErrSchemaViolation, entry.Operation)
	}
}

func (r *Replicator) pushUpdate(ctx context.Context, entry types.OutboxEntry, res *PushResult) error {
	doc, err := r.gateway.UpdateDocument(ctx, r.database, r.remoteID, entry.DocumentID, entry.Payload)
	if errors.Is(err, types.ErrNotFound) {
		return r.remoteDeleted(ctx, entry, res)
	}
	if err != nil {
		return err
	}
	return r.confirm(ctx, entry, doc)
}

// remoteDeleted resolves an update against a document the remote already
// deleted: the delete wins, the local write is discarded.
func (r *Replicator) remoteDeleted(ctx context.Context, entry types.OutboxEntry, res *PushResult) error {
	res.Conflicts++
	slog.Info("local update lost to remote delete",
		"component", "replication",
		"action", "push_conflict",
		"collection", r.collection,
		"id", entry.DocumentID,
		"error", types.ErrSyncConflict,
	)

	dropped, err := r.store.DropOutbox(ctx, entry)
	if err != nil || !dropped {
		return err
	}

	tomb := types.Document{
		Collection: r.collection,
		ID:         entry.DocumentID,
		UpdatedAt:  r.now(),
		Deleted:    true,
	}
	if local, err := r.store.Get(ctx, r.collection, entry.DocumentID); err == nil {
		tomb.Revision = local.Revision
	}
	_, err = r.store.ApplyRemote(ctx, tomb, notOlder)
	return err
}

// rejected discards an entry the remote will never accept and restores the
// remote copy locally, or a tombstone when the remote has none. The remote
// copy is fetched before the entry is dropped; if that fetch fails the entry
// stays queued and the returned error is retried like any push failure.
func (r *Replicator) rejected(ctx context.Context, entry types.OutboxEntry, cause error, res *PushResult) error {
	doc, err := r.gateway.GetDocument(ctx, r.database, r.remoteID, entry.DocumentID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}

	dropped, derr := r.store.DropOutbox(ctx, entry)
	if derr != nil {
		return derr
	}
	res.Dropped++
	slog.Error("remote rejected local document",
		"component", "replication",
		"action", "push_rejected",
		"collection", r.collection,
		"id", entry.DocumentID,
		"operation", entry.Operation,
		"error", cause,
	)
	if !dropped {
		// Superseded by a newer local write, which gets its own push.
		return nil
	}

	local, lerr := r.store.Get(ctx, r.collection, entry.DocumentID)
	if lerr != nil && !errors.Is(lerr, store.ErrNotFound) {
		return lerr
	}
	var restore types.Document
	if doc != nil {
		restore = *doc
	} else {
		restore = types.Document{ID: entry.DocumentID, UpdatedAt: r.now(), Deleted: true}
		if local != nil {
			restore.Revision = local.Revision
		}
	}
	restore.Collection = r.collection

	// The rejected write shares the remote's revision, so it must lose ties.
	_, err = r.store.ApplyRemote(ctx, restore, notOlder)
	return err
}

// notOlder accepts doc unless local has already moved past its revision.
func notOlder(local *types.Document, doc types.Document) bool {
	return local == nil || doc.Revision >= local.Revision
}

func (r *Replicator) confirm(ctx context.Context, entry types.OutboxEntry, doc *types.Document) error {
	if doc != nil {
		doc.Collection = r.collection
	}
	confirmed, err := r.store.ConfirmOutbox(ctx, entry, doc)
	if err != nil {
		return err
	}
	slog.Debug("push confirmed",
		"component", "replication",
		"action", "push_confirmed",
		"collection", r.collection,
		"id", entry.DocumentID,
		"operation", entry.Operation,
		"superseded", !confirmed,
	)
	return nil
}
