package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const sessionColumns = `
	id, token, room_id, document_id, document_type, document_weak, document_slug, document_title,
	mode, is_owner_access, owner_id, owner_name, owner_email, owner_url, recipients,
	expires_at, revoked, comment_count, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (ReviewSession, error) {
	var (
		item       ReviewSession
		mode       string
		recipients []byte
	)
	err := row.Scan(
		&item.ID,
		&item.Token,
		&item.RoomID,
		&item.Document.ID,
		&item.Document.Type,
		&item.Document.Weak,
		&item.Document.Slug,
		&item.Document.Title,
		&mode,
		&item.IsOwnerAccess,
		&item.CreatedBy.ID,
		&item.CreatedBy.Name,
		&item.CreatedBy.Email,
		&item.CreatedBy.URL,
		&recipients,
		&item.ExpiresAt,
		&item.Revoked,
		&item.CommentCount,
		&item.CreatedAt,
	)
	if err != nil {
		return ReviewSession{}, err
	}
	item.Mode = Mode(mode)
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &item.Recipients); err != nil {
			return ReviewSession{}, fmt.Errorf("decode recipients for %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]ReviewSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]ReviewSession, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CreateSessions inserts every session in a single transaction. Either all
// records become visible or none do.
func (s *PostgresStore) CreateSessions(ctx context.Context, sessions ...ReviewSession) error {
	if len(sessions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create sessions: %w", err)
	}

	const insert = `
		INSERT INTO review_sessions (
			id, token, room_id, document_id, document_type, document_weak, document_slug, document_title,
			mode, is_owner_access, owner_id, owner_name, owner_email, owner_url, recipients,
			expires_at, revoked, comment_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`
	for _, item := range sessions {
		recipients, err := json.Marshal(item.Recipients)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode recipients for %s: %w", item.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			item.ID,
			item.Token,
			item.RoomID,
			item.Document.ID,
			item.Document.Type,
			item.Document.Weak,
			item.Document.Slug,
			item.Document.Title,
			string(item.Mode),
			item.IsOwnerAccess,
			item.CreatedBy.ID,
			item.CreatedBy.Name,
			item.CreatedBy.Email,
			item.CreatedBy.URL,
			recipients,
			item.ExpiresAt,
			item.Revoked,
			item.CommentCount,
			item.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert session %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create sessions: %w", err)
	}
	return nil
}

// GetSession returns sql.ErrNoRows when the session does not exist. Revoked
// and expired sessions are returned as stored; callers decide validity.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (ReviewSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM review_sessions WHERE id=$1`, sessionID)
	return scanSession(row)
}

func (s *PostgresStore) GetSessionByToken(ctx context.Context, token string) (ReviewSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM review_sessions WHERE token=$1`, token)
	return scanSession(row)
}

// ListSessionsByRoom returns every session bound to a room. Private rooms have
// a recipient session and its owner-access twin; the recipient session sorts first.
func (s *PostgresStore) ListSessionsByRoom(ctx context.Context, roomID string) ([]ReviewSession, error) {
	items, err := s.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM review_sessions
		WHERE room_id=$1
		ORDER BY is_owner_access ASC, created_at ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by room: %w", err)
	}
	return items, nil
}

// ListRecentSessions returns up to limit live sessions, newest first.
func (s *PostgresStore) ListRecentSessions(ctx context.Context, now time.Time, limit int) ([]ReviewSession, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := s.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM review_sessions
		WHERE revoked = FALSE AND expires_at > $1
		ORDER BY created_at DESC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IncrementCommentCount(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE review_sessions SET comment_count = comment_count + 1 WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("increment comment count: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) RevokeSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE review_sessions SET revoked = TRUE WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteSessionsByRoom(ctx context.Context, roomID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM review_sessions WHERE room_id=$1`, roomID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions by room: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete sessions by room: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
