package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/pantry/internal/types"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ApplyOutcome reports what ApplyRemote did with a remote document.
type ApplyOutcome int

const (
	// Applied means the remote document was written locally.
	Applied ApplyOutcome = iota
	// Stale means the local copy already wins and nothing was written.
	Stale
	// Deferred means a pending outbox entry exists for the id, so the local
	// copy wins until the entry is confirmed.
	Deferred
)

// String returns a human-readable representation of the outcome.
func (o ApplyOutcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ApplyFunc decides whether remote should overwrite local. local is nil when
// the id is unknown locally.
type ApplyFunc func(local *types.Document, remote types.Document) bool

const selectDocumentSQL = `
	SELECT collection, id, data, revision, updated_at, deleted_at
	FROM documents
	WHERE collection = ? AND id = ?`

// scanDocument scans a row into a Document.
func scanDocument(scanner interface{ Scan(...any) error }) (*types.Document, error) {
	var doc types.Document
	var data, updatedAt string
	var deletedAt sql.NullString

	if err := scanner.Scan(&doc.Collection, &doc.ID, &data, &doc.Revision, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	doc.Data = json.RawMessage(data)
	doc.UpdatedAt = parseTime(updatedAt)
	doc.Deleted = deletedAt.Valid
	return &doc, nil
}

// lookup returns the row for (collection, id) including tombstones.
func lookup(ctx context.Context, q querier, collection, id string) (*types.Document, error) {
	doc, err := scanDocument(q.QueryRowContext(ctx, selectDocumentSQL, collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// Get returns a live document by id.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*types.Document, error) {
	doc, err := lookup(ctx, s.conn(), collection, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, ErrNotFound
	}
	return doc, nil
}

// List returns all live documents of a collection ordered by id.
func (s *SQLiteStore) List(ctx context.Context, collection string) ([]types.Document, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT collection, id, data, revision, updated_at, deleted_at
		FROM documents
		WHERE collection = ? AND deleted_at IS NULL
		ORDER BY id ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]types.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// Insert stores a new document and queues it for push. Fails with
// ErrDuplicateID if the id was ever used in the collection.
func (s *SQLiteStore) Insert(ctx context.Context, collection string, doc types.Document) (*types.Document, error) {
	if doc.ID == "" {
		return nil, fmt.Errorf("insert %s: empty id", collection)
	}

	tx, err := s.conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := lookup(ctx, tx, collection, doc.ID); err == nil {
		return nil, fmt.Errorf("insert %s/%s: %w", collection, doc.ID, ErrDuplicateID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, revision, updated_at)
		VALUES (?, ?, ?, 0, ?)
	`, collection, doc.ID, string(doc.Data), now.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	if err := s.enqueue(ctx, tx, collection, doc.ID, types.OperationInsert, doc.Data); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.subs.emit(types.ChangeEvent{Collection: collection, ID: doc.ID, Operation: types.OperationInsert, Origin: types.OriginLocal})

	return &types.Document{Collection: collection, ID: doc.ID, Data: doc.Data, UpdatedAt: now}, nil
}

// Update merges patch (a JSON object) into the top-level fields of a live
// document and queues the result for push.
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, patch json.RawMessage) (*types.Document, error) {
	tx, err := s.conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lookup(ctx, tx, collection, id)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, ErrNotFound
	}

	merged, err := mergeFields(current.Data, patch)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET data = ?, updated_at = ?
		WHERE collection = ? AND id = ?
	`, string(merged), now.UTC().Format(timeFormat), collection, id)
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}

	if err := s.enqueue(ctx, tx, collection, id, types.OperationUpdate, merged); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.subs.emit(types.ChangeEvent{Collection: collection, ID: id, Operation: types.OperationUpdate, Origin: types.OriginLocal})

	current.Data = merged
	current.UpdatedAt = now
	return current, nil
}

// Remove tombstones a live document and queues the delete for push.
// Returns false if no live document had the id.
func (s *SQLiteStore) Remove(ctx context.Context, collection, id string) (bool, error) {
	tx, err := s.conn().BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	result, err := tx.ExecContext(ctx, `
		UPDATE documents SET deleted_at = ?, updated_at = ?
		WHERE collection = ? AND id = ? AND deleted_at IS NULL
	`, now, now, collection, id)
	if err != nil {
		return false, fmt.Errorf("remove document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := s.enqueue(ctx, tx, collection, id, types.OperationDelete, nil); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	s.subs.emit(types.ChangeEvent{Collection: collection, ID: id, Operation: types.OperationDelete, Origin: types.OriginLocal})
	return true, nil
}

// ApplyRemote writes a document received from the remote without queuing it
// for push. The pending-outbox check and the write share one transaction, so
// a local mutation racing a pull is never overwritten.
func (s *SQLiteStore) ApplyRemote(ctx context.Context, doc types.Document, decide ApplyFunc) (ApplyOutcome, error) {
	tx, err := s.conn().BeginTx(ctx, nil)
	if err != nil {
		return Stale, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	pending, err := hasPending(ctx, tx, doc.Collection, doc.ID)
	if err != nil {
		return Stale, err
	}
	if pending {
		return Deferred, nil
	}

	local, err := lookup(ctx, tx, doc.Collection, doc.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Stale, err
	}
	if decide != nil && !decide(local, doc) {
		return Stale, nil
	}

	if err := writeRemote(ctx, tx, doc); err != nil {
		return Stale, err
	}

	if err := tx.Commit(); err != nil {
		return Stale, fmt.Errorf("commit transaction: %w", err)
	}

	op := types.OperationUpdate
	switch {
	case doc.Deleted:
		op = types.OperationDelete
	case local == nil:
		op = types.OperationInsert
	}
	s.subs.emit(types.ChangeEvent{Collection: doc.Collection, ID: doc.ID, Operation: op, Origin: types.OriginRemote})

	return Applied, nil
}

// writeRemote upserts the remote copy, tombstones included.
func writeRemote(ctx context.Context, q querier, doc types.Document) error {
	data := string(doc.Data)
	if data == "" {
		data = "{}"
	}

	var deletedAt any
	if doc.Deleted {
		deletedAt = doc.UpdatedAt.UTC().Format(timeFormat)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, revision, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			revision = excluded.revision,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, doc.Collection, doc.ID, data, doc.Revision, doc.UpdatedAt.UTC().Format(timeFormat), deletedAt)
	if err != nil {
		return fmt.Errorf("write remote document %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return nil
}

// Warmed reports whether the collection can serve reads locally: initial
// sync completed once, or local documents exist.
func (s *SQLiteStore) Warmed(ctx context.Context, collection string) (bool, error) {
	var warmed bool
	err := s.conn().QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT warmed FROM checkpoints WHERE collection = ?), 0) = 1
			OR EXISTS (SELECT 1 FROM documents WHERE collection = ? AND deleted_at IS NULL)
	`, collection, collection).Scan(&warmed)
	if err != nil {
		return false, fmt.Errorf("check warmed: %w", err)
	}
	return warmed, nil
}

// mergeFields overlays the top-level keys of patch onto base.
func mergeFields(base, patch json.RawMessage) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}

	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	for k, v := range changes {
		fields[k] = v
	}

	return json.Marshal(fields)
}
