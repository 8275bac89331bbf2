package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339

var migrations = []string{
	`CREATE TABLE sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		connection_count INTEGER NOT NULL DEFAULT 0,
		recovery_token TEXT NOT NULL UNIQUE,
		recovered_from TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX idx_sessions_user_status ON sessions(user_id, status, expires_at);
	CREATE INDEX idx_sessions_status_expiry ON sessions(status, expires_at);`,

	`CREATE TABLE session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_session_events_session ON session_events(session_id, created_at);`,
}

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, session_id, user_id, task_id, thread_id, status, connection_count,
	recovery_token, recovered_from, meta, created_at, last_activity_at, expires_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	meta, err := encodeMeta(rec.Meta)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (session_id, user_id, task_id, thread_id,
		status, connection_count, recovery_token, recovered_from, meta,
		created_at, last_activity_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.TaskID, rec.ThreadID,
		rec.Status, rec.ConnectionCount, rec.RecoveryToken, rec.RecoveredFrom, meta,
		formatTime(rec.CreatedAt), formatTime(rec.LastActivityAt), formatTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID)
	return scanSession(row)
}

func (s *SQLiteStore) GetByRecoveryToken(ctx context.Context, token string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE recovery_token = ?", token)
	return scanSession(row)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, rec *SessionRecord) error {
	meta, err := encodeMeta(rec.Meta)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET
		status = ?, connection_count = ?, recovery_token = ?, recovered_from = ?,
		meta = ?, last_activity_at = ?, expires_at = ?
		WHERE session_id = ?`,
		rec.Status, rec.ConnectionCount, rec.RecoveryToken, rec.RecoveredFrom,
		meta, formatTime(rec.LastActivityAt), formatTime(rec.ExpiresAt),
		rec.SessionID)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating session %q: %w", rec.SessionID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]SessionRecord, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE 1=1"
	var args []any

	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.ActiveOnly {
		query += " AND status = 'active' AND expires_at > ?"
		args = append(args, formatTime(time.Now()))
	}
	if !f.ExpiredBefore.IsZero() {
		query += " AND expires_at < ?"
		args = append(args, formatTime(f.ExpiredBefore))
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []SessionRecord
	for rows.Next() {
		rec, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *rec)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status = 'active' AND expires_at > ?",
		userID, formatTime(now)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return count, nil
}

// --- Session Events ---

func (s *SQLiteStore) AddEvent(ctx context.Context, e *SessionEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO session_events (session_id, event_type, message, created_at) VALUES (?, ?, ?, ?)",
		e.SessionID, e.EventType, e.Message, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding session event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	query := "SELECT id, session_id, event_type, message, created_at FROM session_events WHERE session_id = ? ORDER BY created_at DESC, id DESC"
	args := []any{sessionID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Maintenance ---

// Cleanup removes terminal sessions (and their events) last active before
// the retention horizon.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) error {
	horizon := formatTime(olderThan)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id IN (
		SELECT session_id FROM sessions WHERE status != 'active' AND last_activity_at < ?)`, horizon); err != nil {
		return fmt.Errorf("cleaning session events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE status != 'active' AND last_activity_at < ?", horizon); err != nil {
		return fmt.Errorf("cleaning sessions: %w", err)
	}
	return nil
}

// --- Helpers ---

func scanSession(row *sql.Row) (*SessionRecord, error) {
	var rec SessionRecord
	var meta, createdAt, lastActivityAt, expiresAt string

	err := row.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.TaskID, &rec.ThreadID,
		&rec.Status, &rec.ConnectionCount, &rec.RecoveryToken, &rec.RecoveredFrom,
		&meta, &createdAt, &lastActivityAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	rec.Meta = decodeMeta(meta)
	rec.CreatedAt = parseTime(createdAt)
	rec.LastActivityAt = parseTime(lastActivityAt)
	rec.ExpiresAt = parseTime(expiresAt)

	return &rec, nil
}

func scanSessionRows(rows *sql.Rows) (*SessionRecord, error) {
	var rec SessionRecord
	var meta, createdAt, lastActivityAt, expiresAt string

	err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.TaskID, &rec.ThreadID,
		&rec.Status, &rec.ConnectionCount, &rec.RecoveryToken, &rec.RecoveredFrom,
		&meta, &createdAt, &lastActivityAt, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	rec.Meta = decodeMeta(meta)
	rec.CreatedAt = parseTime(createdAt)
	rec.LastActivityAt = parseTime(lastActivityAt)
	rec.ExpiresAt = parseTime(expiresAt)

	return &rec, nil
}

func encodeMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding session meta: %w", err)
	}
	return string(data), nil
}

func decodeMeta(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		slog.Warn("corrupt session meta, dropping", "error", err)
		return nil
	}
	return meta
}

// formatTime stores UTC so string comparison in SQL matches time order.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}
