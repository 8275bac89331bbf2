package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session lookup misses.
var ErrNotFound = errors.New("session record not found")

// Store is the persistence interface for session records.
// Defined at the consumer side per Go conventions.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	GetByRecoveryToken(ctx context.Context, token string) (*SessionRecord, error)
	UpdateSession(ctx context.Context, rec *SessionRecord) error
	ListSessions(ctx context.Context, f SessionFilter) ([]SessionRecord, error)
	CountActive(ctx context.Context, userID string, now time.Time) (int, error)

	// Session events (lifecycle audit trail)
	AddEvent(ctx context.Context, e *SessionEvent) error
	GetEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
}

// SessionRecord represents a persisted session. The record is soft-lifecycle:
// it survives close/expiry and is only removed by retention cleanup.
type SessionRecord struct {
	ID              int64
	SessionID       string
	UserID          string
	TaskID          string
	ThreadID        string
	Status          string
	ConnectionCount int
	RecoveryToken   string
	RecoveredFrom   string
	Meta            map[string]any
	CreatedAt       time.Time
	LastActivityAt  time.Time
	ExpiresAt       time.Time
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	UserID        string
	Status        string
	ActiveOnly    bool
	ExpiredBefore time.Time // only sessions whose deadline passed before this instant
	Limit         int
}

// SessionEvent is a timestamped lifecycle entry for the audit trail.
type SessionEvent struct {
	ID        int64
	SessionID string
	EventType string
	Message   string
	CreatedAt time.Time
}

// Options selects and configures a storage driver.
type Options struct {
	Driver string // "sqlite" (default) or "redis"

	// SQLite
	Path string

	// Redis
	Addr     string
	Password string
	DB       int
}

// Open creates a Store for the configured driver.
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		return NewSQLiteStore(opts.Path)
	case "redis":
		return NewRedisStore(opts.Addr, opts.Password, opts.DB), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
