package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a chat session.
// EXPIRED, CLOSED and RECOVERED are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusClosed    Status = "closed"
	StatusRecovered Status = "recovered"
)

// Terminal returns true if no transition can originate from s.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusClosed || s == StatusRecovered
}

// DefaultExpiry is how long a new session lives without an explicit extension.
const DefaultExpiry = 2 * time.Hour

// DefaultMaxPerUser caps concurrent ACTIVE sessions per user.
const DefaultMaxPerUser = 5

var (
	// ErrCapacityExceeded is returned when a user hits the ACTIVE session cap.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrNotFound is returned when a session lookup misses.
	ErrNotFound = errors.New("session not found")
)

// Session is the unit of chat continuity.
type Session struct {
	SessionID string
	UserID    string
	TaskID    string
	ThreadID  string

	Status          Status
	ConnectionCount int

	RecoveryToken string
	RecoveredFrom string // session ID of the recovery source, if any

	Meta map[string]any

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// NewSessionID generates an opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewRecoveryToken generates the single-chain secret allowing a later
// session to claim continuity.
func NewRecoveryToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("rcv-%x", b)
}

// mergeMeta copies overlay into dst without dropping existing keys.
func mergeMeta(dst, overlay map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(overlay))
	}
	for k, v := range overlay {
		dst[k] = v
	}
	return dst
}

// copyMeta returns a shallow copy so callers never share the live map.
func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
