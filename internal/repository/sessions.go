package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
)

// CreateSession inserts a new session row.
func (l *Ledger) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sessions (id, container_id, status, started_at, completed_at, downloaded, skipped, failed, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ContainerID, string(s.Status), formatTime(s.StartedAt), nullTime(s),
		s.Downloaded, s.Skipped, s.Failed, s.LastError,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSession overwrites the mutable columns of a session.
func (l *Ledger) UpdateSession(ctx context.Context, s domain.Session) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, completed_at = ?, downloaded = ?, skipped = ?, failed = ?, last_error = ?
		WHERE id = ?`,
		string(s.Status), nullTime(s), s.Downloaded, s.Skipped, s.Failed, s.LastError, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return errpkg.ErrSessionNotFound
	}
	return nil
}

// GetSession loads a session by id.
func (l *Ledger) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var (
		s           domain.Session
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT id, container_id, status, started_at, completed_at, downloaded, skipped, failed, last_error
		FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.ContainerID, &status, &startedAt, &completedAt, &s.Downloaded, &s.Skipped, &s.Failed, &s.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, errpkg.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}

	s.Status = domain.SessionStatus(status)
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return domain.Session{}, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return domain.Session{}, err
		}
		s.CompletedAt = &t
	}
	return s, nil
}

func nullTime(s domain.Session) sql.NullString {
	if s.CompletedAt == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*s.CompletedAt), Valid: true}
}
