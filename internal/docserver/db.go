package docserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/pantry/internal/store"
	"github.com/hyperengineering/pantry/internal/types"
	"github.com/hyperengineering/pantry/migrations"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Errors returned by DB.
var (
	ErrNotFound     = types.ErrNotFound
	ErrExists       = errors.New("already exists")
	ErrEmailTaken   = errors.New("email already registered")
	ErrBadPassword  = errors.New("invalid email or password")
	ErrTokenRevoked = errors.New("session revoked")
)

// Account is a stored user with its password hash.
type Account struct {
	types.User
	PasswordHash string
}

// Scope addresses one owner's view of a collection.
type Scope struct {
	Database   string
	Collection string
	Owner      string
}

// DB is the backend's SQLite database: accounts, revoked sessions and
// documents stamped from one global revision sequence.
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time

	// mu serialises writers so revisions are handed out in commit order.
	mu sync.Mutex
}

// OpenDB opens (or creates) the backend database at path and migrates it.
func OpenDB(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if err := store.RunMigrationsFS(context.Background(), db, migrations.Remote()); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Snapshot writes a consistent copy of the database to dest with VACUUM INTO.
// dest must not exist.
func (d *DB) Snapshot(ctx context.Context, dest string) error {
	if _, err := d.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

// Revision returns the last revision handed out.
func (d *DB) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := d.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = 'revision'`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// CreateAccount stores a new account. The email must be unused.
func (d *DB) CreateAccount(ctx context.Context, email, name, passwordHash string) (*types.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := types.User{
		ID:        ulid.Make().String(),
		Email:     email,
		Name:      name,
		CreatedAt: d.now(),
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Name, passwordHash, u.CreatedAt.Format(timeFormat))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return &u, nil
}

// AccountByEmail looks an account up by email.
func (d *DB) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	return d.account(ctx, "email", email)
}

// AccountByID looks an account up by id.
func (d *DB) AccountByID(ctx context.Context, id string) (*Account, error) {
	return d.account(ctx, "id", id)
}

func (d *DB) account(ctx context.Context, column, value string) (*Account, error) {
	query, args, err := sq.Select("id", "email", "name", "password_hash", "created_at").
		From("accounts").
		Where(sq.Eq{column: value}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var a Account
	var created string
	err = d.db.QueryRowContext(ctx, query, args...).
		Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	a.CreatedAt, _ = time.Parse(timeFormat, created)
	return &a, nil
}

// RevokeSession records a token id as revoked until it would have expired.
// Entries past their expiry are pruned.
func (d *DB) RevokeSession(ctx context.Context, jti string, expires time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().Format(timeFormat)
	if _, err := d.db.ExecContext(ctx, `DELETE FROM revoked_sessions WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("prune revoked sessions: %w", err)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO revoked_sessions (jti, expires_at) VALUES (?, ?)
		ON CONFLICT(jti) DO NOTHING
	`, jti, expires.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// SessionRevoked reports whether a token id was revoked.
func (d *DB) SessionRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revoked_sessions WHERE jti = ?`, jti).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check revoked session: %w", err)
	}
	return n > 0, nil
}

var documentColumns = []string{"id", "data", "revision", "updated_at", "deleted_at"}

func scanDocument(scanner interface{ Scan(...any) error }, collection string) (*types.Document, error) {
	var doc types.Document
	var data, updated string
	var deleted sql.NullString
	if err := scanner.Scan(&doc.ID, &data, &doc.Revision, &updated, &deleted); err != nil {
		return nil, err
	}
	doc.Collection = collection
	doc.UpdatedAt, _ = time.Parse(timeFormat, updated)
	doc.Deleted = deleted.Valid
	doc.Data = json.RawMessage(data)
	return &doc, nil
}

// ListDocuments returns up to limit documents of the scope changed after the
// given revision, tombstones included, ordered by revision. total counts
// every match past after.
func (d *DB) ListDocuments(ctx context.Context, s Scope, after int64, limit int) ([]types.Document, int, error) {
	where := sq.And{
		sq.Eq{"database_id": s.Database, "collection_id": s.Collection, "owner_id": s.Owner},
		sq.Gt{"revision": after},
	}

	query, args, err := sq.Select(documentColumns...).
		From("documents").
		Where(where).
		OrderBy("revision ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	docs := make([]types.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows, s.Collection)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	countQuery, countArgs, err := sq.Select("COUNT(*)").From("documents").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := d.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}
	return docs, total, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *DB) lookup(ctx context.Context, q rowQuerier, s Scope, id string) (*types.Document, error) {
	query, args, err := sq.Select(documentColumns...).
		From("documents").
		Where(sq.Eq{"database_id": s.Database, "collection_id": s.Collection, "owner_id": s.Owner, "id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	doc, err := scanDocument(q.QueryRowContext(ctx, query, args...), s.Collection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return doc, nil
}

// GetDocument returns a live document. Tombstones are not found.
func (d *DB) GetDocument(ctx context.Context, s Scope, id string) (*types.Document, error) {
	doc, err := d.lookup(ctx, d.db, s, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, ErrNotFound
	}
	return doc, nil
}

// CreateDocument stores a new document. An id that exists anywhere, live or
// deleted, is rejected with ErrExists.
func (d *DB) CreateDocument(ctx context.Context, s Scope, id string, data json.RawMessage) (*types.Document, error) {
	compact, err := compactJSON(data)
	if err != nil {
		return nil, err
	}

	var doc *types.Document
	err = d.write(ctx, func(tx *sql.Tx, rev int64, now string) error {
		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM documents
			WHERE database_id = ? AND collection_id = ? AND id = ?
		`, s.Database, s.Collection, id).Scan(&n)
		if err != nil {
			return fmt.Errorf("check document: %w", err)
		}
		if n > 0 {
			return ErrExists
		}

		query, args, err := sq.Insert("documents").
			Columns("database_id", "collection_id", "id", "owner_id", "data", "revision", "created_at", "updated_at").
			Values(s.Database, s.Collection, id, s.Owner, compact, rev, now, now).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		doc, err = d.lookup(ctx, tx, s, id)
		return err
	})
	return doc, err
}

// UpdateDocument merges patch into the top-level fields of a live document.
// check, when non-nil, validates the merged body before it is stored.
func (d *DB) UpdateDocument(ctx context.Context, s Scope, id string, patch json.RawMessage, check func(json.RawMessage) error) (*types.Document, error) {
	var doc *types.Document
	err := d.write(ctx, func(tx *sql.Tx, rev int64, now string) error {
		cur, err := d.lookup(ctx, tx, s, id)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return ErrNotFound
		}

		merged, err := mergeFields(cur.Data, patch)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(merged); err != nil {
				return err
			}
		}

		query, args, err := sq.Update("documents").
			Set("data", string(merged)).
			Set("revision", rev).
			Set("updated_at", now).
			Where(sq.Eq{"database_id": s.Database, "collection_id": s.Collection, "id": id}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		doc, err = d.lookup(ctx, tx, s, id)
		return err
	})
	return doc, err
}

// DeleteDocument tombstones a live document under a new revision.
func (d *DB) DeleteDocument(ctx context.Context, s Scope, id string) error {
	return d.write(ctx, func(tx *sql.Tx, rev int64, now string) error {
		cur, err := d.lookup(ctx, tx, s, id)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return ErrNotFound
		}

		query, args, err := sq.Update("documents").
			Set("data", "{}").
			Set("revision", rev).
			Set("updated_at", now).
			Set("deleted_at", now).
			Where(sq.Eq{"database_id": s.Database, "collection_id": s.Collection, "id": id}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
}

// write runs fn in a transaction holding the next revision. The revision is
// consumed only if fn succeeds.
func (d *DB) write(ctx context.Context, fn func(tx *sql.Tx, rev int64, now string) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rev int64
	err = tx.QueryRowContext(ctx,
		`UPDATE counters SET value = value + 1 WHERE name = 'revision' RETURNING value`).Scan(&rev)
	if err != nil {
		return fmt.Errorf("next revision: %w", err)
	}

	if err := fn(tx, rev, d.now().Format(timeFormat)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func compactJSON(data json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", fmt.Errorf("%w: data is not valid JSON", types.ErrSchemaViolation)
	}
	return buf.String(), nil
}

func mergeFields(base, patch json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, fmt.Errorf("decode stored document: %w", err)
		}
	}
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, fmt.Errorf("%w: patch must be a JSON object", types.ErrSchemaViolation)
	}
	for k, v := range changes {
		fields[k] = v
	}
	return json.Marshal(fields)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
