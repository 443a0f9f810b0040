package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/coderelay/coderelay/internal/apperr"
)

// SQLStore persists session records in a SQLite sessions table.
type SQLStore struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ SessionStore = (*SQLStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.E("storage.NewSQLiteStore", apperr.KindStorage, err)
	}
	// SQLite tolerates one writer; serialize access at the pool.
	conn.SetMaxOpenConns(1)
	return newSQLStore(conn, true)
}

// NewSQLStoreWithDB wraps an existing connection (shared ownership).
func NewSQLStoreWithDB(conn *sql.DB, driverName string) (*SQLStore, error) {
	return newSQLStore(sqlx.NewDb(conn, driverName), false)
}

func newSQLStore(dbx *sqlx.DB, ownsDB bool) (*SQLStore, error) {
	store := &SQLStore{db: dbx, ownsDB: ownsDB}
	if err := store.initSchema(); err != nil {
		if ownsDB {
			_ = dbx.Close()
		}
		return nil, apperr.E("storage.newSQLStore", apperr.KindStorage, err)
	}
	return store, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		cwd TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		adapter_name TEXT NOT NULL,
		backend_session_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) Save(ctx context.Context, record *SessionRecord) error {
	const op = "storage.SQLStore.Save"
	if record.SessionID == "" {
		return apperr.E(op, apperr.KindStorage, "empty session id")
	}
	record.UpdatedAt = time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (session_id, cwd, model, adapter_name, backend_session_id, name, created_at, updated_at)
		VALUES (:session_id, :cwd, :model, :adapter_name, :backend_session_id, :name, :created_at, :updated_at)
		ON CONFLICT(session_id) DO UPDATE SET
			cwd = excluded.cwd,
			model = excluded.model,
			adapter_name = excluded.adapter_name,
			backend_session_id = excluded.backend_session_id,
			name = excluded.name,
			updated_at = excluded.updated_at
	`, record)
	if err != nil {
		return apperr.E(op, apperr.KindStorage, err, apperr.WithSession(record.SessionID))
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, sessionID string) (*SessionRecord, error) {
	const op = "storage.SQLStore.Load"
	var record SessionRecord
	err := s.db.GetContext(ctx, &record, s.db.Rebind(`
		SELECT session_id, cwd, model, adapter_name, backend_session_id, name, created_at, updated_at
		FROM sessions WHERE session_id = ?
	`), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(op, apperr.KindStorage, "session not found",
				apperr.WithSession(sessionID))
		}
		return nil, apperr.E(op, apperr.KindStorage, err, apperr.WithSession(sessionID))
	}
	return &record, nil
}

func (s *SQLStore) List(ctx context.Context) ([]*SessionRecord, error) {
	var records []*SessionRecord
	err := s.db.SelectContext(ctx, &records, `
		SELECT session_id, cwd, model, adapter_name, backend_session_id, name, created_at, updated_at
		FROM sessions ORDER BY created_at
	`)
	if err != nil {
		return nil, apperr.E("storage.SQLStore.List", apperr.KindStorage, err)
	}
	return records, nil
}

func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID)
	if err != nil {
		return apperr.E("storage.SQLStore.Delete", apperr.KindStorage, err,
			apperr.WithSession(sessionID))
	}
	return nil
}

func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
