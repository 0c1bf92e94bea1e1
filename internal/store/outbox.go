package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/pantry/internal/types"
)

const outboxColumns = `collection, document_id, operation, payload, attempt_count, seq,
	queued_at, next_attempt_at, last_error`

// coalesce returns the operation that represents prev followed by next.
// An insert stays an insert until the remote has seen it; a delete always wins.
func coalesce(prev, next types.Operation) types.Operation {
	if next == types.OperationDelete {
		return types.OperationDelete
	}
	if prev == types.OperationInsert {
		return types.OperationInsert
	}
	return next
}

// enqueue writes or supersedes the outbox entry for (collection, id) inside tx.
// Superseding resets the attempt count and bumps seq so an in-flight push of
// the older entry cannot confirm the newer one.
func (s *SQLiteStore) enqueue(ctx context.Context, q querier, collection, id string, op types.Operation, payload json.RawMessage) error {
	now := s.timestamp()

	var prev string
	err := q.QueryRowContext(ctx,
		`SELECT operation FROM outbox WHERE collection = ? AND document_id = ?`,
		collection, id).Scan(&prev)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx, `
			INSERT INTO outbox (collection, document_id, operation, payload, attempt_count, seq, queued_at, next_attempt_at)
			VALUES (?, ?, ?, ?, 0, 1, ?, ?)
		`, collection, id, string(op), nullablePayload(payload), now, now)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read outbox entry: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE outbox
		SET operation = ?, payload = ?, attempt_count = 0, seq = seq + 1,
			next_attempt_at = ?, last_error = NULL
		WHERE collection = ? AND document_id = ?
	`, string(coalesce(types.Operation(prev), op)), nullablePayload(payload), now, collection, id)
	if err != nil {
		return fmt.Errorf("supersede outbox entry: %w", err)
	}
	return nil
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func scanOutbox(scanner interface{ Scan(...any) error }) (*types.OutboxEntry, error) {
	var e types.OutboxEntry
	var op, queuedAt, nextAt string
	var payload, lastErr sql.NullString

	if err := scanner.Scan(&e.Collection, &e.DocumentID, &op, &payload, &e.AttemptCount, &e.Seq,
		&queuedAt, &nextAt, &lastErr); err != nil {
		return nil, err
	}

	e.Operation = types.Operation(op)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.QueuedAt = parseTime(queuedAt)
	e.NextAttemptAt = parseTime(nextAt)
	e.LastError = lastErr.String
	return &e, nil
}

func hasPending(ctx context.Context, q querier, collection, id string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM outbox WHERE collection = ? AND document_id = ?)`,
		collection, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check outbox: %w", err)
	}
	return exists, nil
}

// OutboxEntry returns the pending entry for a document.
func (s *SQLiteStore) OutboxEntry(ctx context.Context, collection, id string) (*types.OutboxEntry, error) {
	e, err := scanOutbox(s.conn().QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE collection = ? AND document_id = ?`,
		collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan outbox entry: %w", err)
	}
	return e, nil
}

// PendingOutbox returns every outbox entry of a collection, oldest first.
// An empty collection returns entries of all collections.
func (s *SQLiteStore) PendingOutbox(ctx context.Context, collection string) ([]types.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	var args []any
	if collection != "" {
		query += ` WHERE collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY queued_at ASC, document_id ASC`
	return s.queryOutbox(ctx, query, args...)
}

// DueOutbox returns up to limit entries of a collection whose next attempt
// time is at or before now, oldest first.
func (s *SQLiteStore) DueOutbox(ctx context.Context, collection string, now time.Time, limit int) ([]types.OutboxEntry, error) {
	return s.queryOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE collection = ? AND next_attempt_at <= ?
		ORDER BY queued_at ASC, document_id ASC
		LIMIT ?
	`, collection, now.UTC().Format(timeFormat), limit)
}

func (s *SQLiteStore) queryOutbox(ctx context.Context, query string, args ...any) ([]types.OutboxEntry, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	entries := make([]types.OutboxEntry, 0)
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ConfirmOutbox records that the remote accepted entry. remote, when non-nil,
// is the authoritative copy returned by the remote; its revision is stored.
//
// If the entry was superseded while the push was in flight the newer entry
// stays queued. A superseded insert becomes an update since the document now
// exists remotely. Reports whether the entry was removed.
func (s *SQLiteStore) ConfirmOutbox(ctx context.Context, entry types.OutboxEntry, remote *types.Document) (bool, error) {
	tx, err := s.conn().BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM outbox WHERE collection = ? AND document_id = ? AND seq = ?`,
		entry.Collection, entry.DocumentID, entry.Seq)
	if err != nil {
		return false, fmt.Errorf("delete outbox entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	confirmed := n > 0

	if confirmed {
		if remote != nil {
			if err := writeRemote(ctx, tx, *remote); err != nil {
				return false, err
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET operation = ?
			WHERE collection = ? AND document_id = ? AND operation = ?
		`, string(types.OperationUpdate), entry.Collection, entry.DocumentID, string(types.OperationInsert)); err != nil {
			return false, fmt.Errorf("rewrite superseded insert: %w", err)
		}
		if remote != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET revision = ? WHERE collection = ? AND id = ?`,
				remote.Revision, entry.Collection, entry.DocumentID); err != nil {
				return false, fmt.Errorf("record revision: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return confirmed, nil
}

// FailOutbox records a failed push attempt and schedules the next one.
// Returns the new attempt count, or 0 if the entry was superseded.
func (s *SQLiteStore) FailOutbox(ctx context.Context, entry types.OutboxEntry, cause error, next time.Time) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var attempts int
	err := s.conn().QueryRowContext(ctx, `
		UPDATE outbox
		SET attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?
		WHERE collection = ? AND document_id = ? AND seq = ?
		RETURNING attempt_count
	`, next.UTC().Format(timeFormat), nullableString(msg), entry.Collection, entry.DocumentID, entry.Seq).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("record push failure: %w", err)
	}
	return attempts, nil
}

// DropOutbox removes entry without pushing it. Used when the remote has made
// the mutation moot. Reports whether the entry was removed.
func (s *SQLiteStore) DropOutbox(ctx context.Context, entry types.OutboxEntry) (bool, error) {
	result, err := s.conn().ExecContext(ctx,
		`DELETE FROM outbox WHERE collection = ? AND document_id = ? AND seq = ?`,
		entry.Collection, entry.DocumentID, entry.Seq)
	if err != nil {
		return false, fmt.Errorf("drop outbox entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}
