package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperengineering/pantry/internal/types"
)

// Session returns the cached session. A store that never saw a login
// returns a logged-out zero session.
func (s *SQLiteStore) Session(ctx context.Context) (types.Session, error) {
	var sess types.Session
	var lastLogin string
	err := s.conn().QueryRowContext(ctx, `
		SELECT user_id, email, name, token, is_logged_in, last_login_time
		FROM session WHERE id = 'current'
	`).Scan(&sess.UserID, &sess.Email, &sess.Name, &sess.Token, &sess.IsLoggedIn, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Session{}, nil
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("read session: %w", err)
	}
	sess.LastLoginTime = parseTime(lastLogin)
	return sess, nil
}

// SaveSession replaces the cached session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess types.Session) error {
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO session (id, user_id, email, name, token, is_logged_in, last_login_time)
		VALUES ('current', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			email = excluded.email,
			name = excluded.name,
			token = excluded.token,
			is_logged_in = excluded.is_logged_in,
			last_login_time = excluded.last_login_time
	`, sess.UserID, sess.Email, sess.Name, sess.Token, sess.IsLoggedIn, sess.LastLoginTime.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearSession drops the token and marks the session logged out. The user
// id is kept so a later login by someone else can be detected.
func (s *SQLiteStore) ClearSession(ctx context.Context) error {
	_, err := s.conn().ExecContext(ctx,
		`UPDATE session SET token = '', is_logged_in = 0 WHERE id = 'current'`)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
