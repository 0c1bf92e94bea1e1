package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Checkpoint is the replication cursor of one collection.
type Checkpoint struct {
	Collection string
	Cursor     int64
	Warmed     bool
}

// Checkpoint returns the cursor for a collection. An unknown collection
// returns a zero checkpoint.
func (s *SQLiteStore) Checkpoint(ctx context.Context, collection string) (Checkpoint, error) {
	cp := Checkpoint{Collection: collection}
	err := s.conn().QueryRowContext(ctx,
		`SELECT cursor, warmed FROM checkpoints WHERE collection = ?`,
		collection).Scan(&cp.Cursor, &cp.Warmed)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("read checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceCheckpoint moves the cursor to revision if it is higher than the
// stored one. The cursor never moves backwards.
func (s *SQLiteStore) AdvanceCheckpoint(ctx context.Context, collection string, revision int64) error {
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO checkpoints (collection, cursor, warmed, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(collection) DO UPDATE SET
			cursor = MAX(cursor, excluded.cursor),
			updated_at = excluded.updated_at
	`, collection, revision, s.timestamp())
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// MarkWarmed records that initial sync of a collection completed.
func (s *SQLiteStore) MarkWarmed(ctx context.Context, collection string) error {
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO checkpoints (collection, cursor, warmed, updated_at)
		VALUES (?, 0, 1, ?)
		ON CONFLICT(collection) DO UPDATE SET
			warmed = 1,
			updated_at = excluded.updated_at
	`, collection, s.timestamp())
	if err != nil {
		return fmt.Errorf("mark warmed: %w", err)
	}
	return nil
}
