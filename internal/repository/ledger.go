package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

// Ledger is the SQLite-backed record of completed items and download
// sessions. A single connection serializes writers.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ DedupLedger = (*Ledger)(nil)
	_ SessionRepo = (*Ledger)(nil)
)

// OpenLedger opens or creates the database at path and applies the schema.
func OpenLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db, logger: logger}
	if err := l.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Ledger initialized", "db_path", path)
	return l, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dedup_records (
			container_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			path TEXT NOT NULL,
			size INTEGER NOT NULL,
			kind TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			PRIMARY KEY (container_id, item_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			downloaded INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);`,
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// IsCompleted reports whether the item has a completion record.
func (l *Ledger) IsCompleted(ctx context.Context, containerID, itemID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM dedup_records WHERE container_id = ? AND item_id = ?`,
		containerID, itemID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query dedup record: %w", err)
	}
	return true, nil
}

// RecordCompleted stores a completion. A repeated record for the same item
// replaces the earlier one.
func (l *Ledger) RecordCompleted(ctx context.Context, rec domain.DedupRecord) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO dedup_records (container_id, item_id, path, size, kind, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id, item_id) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			kind = excluded.kind,
			completed_at = excluded.completed_at`,
		rec.ContainerID, rec.ItemID, rec.Path, rec.Size, string(rec.Kind), formatTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}

	l.logger.Debug("Dedup record saved", "container_id", rec.ContainerID, "item_id", rec.ItemID)
	return nil
}

// Get returns the completion record for the item, if any.
func (l *Ledger) Get(ctx context.Context, containerID, itemID string) (domain.DedupRecord, bool, error) {
	var (
		rec         domain.DedupRecord
		kind        string
		completedAt string
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT container_id, item_id, path, size, kind, completed_at
		FROM dedup_records WHERE container_id = ? AND item_id = ?`,
		containerID, itemID,
	).Scan(&rec.ContainerID, &rec.ItemID, &rec.Path, &rec.Size, &kind, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DedupRecord{}, false, nil
	}
	if err != nil {
		return domain.DedupRecord{}, false, fmt.Errorf("get dedup record: %w", err)
	}
	rec.Kind = domain.MediaKind(kind)
	rec.CompletedAt, err = parseTime(completedAt)
	if err != nil {
		return domain.DedupRecord{}, false, err
	}
	return rec, true, nil
}

// Forget deletes the completion record so the item is downloaded again by the
// next session. It reports whether a record existed.
func (l *Ledger) Forget(ctx context.Context, containerID, itemID string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM dedup_records WHERE container_id = ? AND item_id = ?`,
		containerID, itemID,
	)
	if err != nil {
		return false, fmt.Errorf("forget dedup record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("forget dedup record: %w", err)
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
