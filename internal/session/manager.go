package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options tunes the lifecycle manager.
type Options struct {
	// MaxPerUser caps concurrent ACTIVE non-expired sessions per user.
	// Zero means DefaultMaxPerUser.
	MaxPerUser int
	// DefaultExpiry is applied when CreateParams.Expiry is zero.
	DefaultExpiry time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPerUser <= 0 {
		o.MaxPerUser = DefaultMaxPerUser
	}
	if o.DefaultExpiry <= 0 {
		o.DefaultExpiry = DefaultExpiry
	}
	return o
}

// CreateParams describes a new session.
type CreateParams struct {
	UserID    string
	TaskID    string
	ThreadID  string
	SessionID string // generated when empty
	Expiry    time.Duration
	Meta      map[string]any
}

// RecoveryResult reports the outcome of a recovery attempt. A rejected
// recovery is an expected business outcome, not an error.
type RecoveryResult struct {
	Success bool
	Session *Session
	Message string
}

// Metrics summarizes the manager's state.
type Metrics struct {
	Total            int
	Active           int
	Expired          int
	Closed           int
	Recovered        int
	TotalConnections int
	AvgConnections   float64 // per active session
}

// Manager is the in-memory fast index over sessions, keyed by session ID,
// user ID, task ID and connection ID. Every mutating operation and every
// compound read runs under one manager-wide mutex; it never holds a registry
// lock at the same time.
type Manager struct {
	mu      sync.Mutex
	byID    map[string]*Session
	byToken map[string]*Session
	byUser  map[string]map[string]*Session
	byTask  map[string]map[string]*Session
	byConn  map[string]string // connection ID → session ID

	maxPerUser    int
	defaultExpiry time.Duration
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		byID:          make(map[string]*Session),
		byToken:       make(map[string]*Session),
		byUser:        make(map[string]map[string]*Session),
		byTask:        make(map[string]map[string]*Session),
		byConn:        make(map[string]string),
		maxPerUser:    opts.MaxPerUser,
		defaultExpiry: opts.DefaultExpiry,
	}
}

// Create registers a new ACTIVE session. Fails with ErrCapacityExceeded when
// the user already holds the maximum number of ACTIVE non-expired sessions.
func (m *Manager) Create(p CreateParams) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(p)
}

func (m *Manager) createLocked(p CreateParams) (Session, error) {
	now := time.Now()

	if m.activeCountLocked(p.UserID, now) >= m.maxPerUser {
		return Session{}, fmt.Errorf("user %q has %d active sessions: %w",
			p.UserID, m.maxPerUser, ErrCapacityExceeded)
	}

	expiry := p.Expiry
	if expiry <= 0 {
		expiry = m.defaultExpiry
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	s := &Session{
		SessionID:      sessionID,
		UserID:         p.UserID,
		TaskID:         p.TaskID,
		ThreadID:       p.ThreadID,
		Status:         StatusActive,
		RecoveryToken:  NewRecoveryToken(),
		Meta:           copyMeta(p.Meta),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(expiry),
	}

	m.indexLocked(s)

	slog.Info("session created",
		"session_id", s.SessionID,
		"user_id", s.UserID,
		"task_id", s.TaskID,
		"expires_at", s.ExpiresAt)

	return *s, nil
}

func (m *Manager) indexLocked(s *Session) {
	m.byID[s.SessionID] = s
	m.byToken[s.RecoveryToken] = s
	if m.byUser[s.UserID] == nil {
		m.byUser[s.UserID] = make(map[string]*Session)
	}
	m.byUser[s.UserID][s.SessionID] = s
	if s.TaskID != "" {
		if m.byTask[s.TaskID] == nil {
			m.byTask[s.TaskID] = make(map[string]*Session)
		}
		m.byTask[s.TaskID][s.SessionID] = s
	}
}

func (m *Manager) activeCountLocked(userID string, now time.Time) int {
	count := 0
	for _, s := range m.byUser[userID] {
		if s.Status == StatusActive && s.ExpiresAt.After(now) {
			count++
		}
	}
	return count
}

// Get returns a snapshot of the session, if known.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return Session{}, false
	}
	return snapshot(s), true
}

// GetByRecoveryToken returns a snapshot of the session owning the token.
func (m *Manager) GetByRecoveryToken(token string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byToken[token]
	if !ok {
		return Session{}, false
	}
	return snapshot(s), true
}

// List returns snapshots of a user's sessions, optionally ACTIVE-only.
// An empty userID lists every session.
func (m *Manager) List(userID string, activeOnly bool) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	appendMatch := func(s *Session) {
		if activeOnly && s.Status != StatusActive {
			return
		}
		out = append(out, snapshot(s))
	}

	if userID != "" {
		for _, s := range m.byUser[userID] {
			appendMatch(s)
		}
		return out
	}
	for _, s := range m.byID {
		appendMatch(s)
	}
	return out
}

// ListByTask returns snapshots of the sessions attached to a task.
func (m *Manager) ListByTask(taskID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for _, s := range m.byTask[taskID] {
		out = append(out, snapshot(s))
	}
	return out
}

// AssociateConnection binds a live connection to a session and bumps its
// connection count and activity time.
func (m *Manager) AssociateConnection(sessionID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("associating connection %q: %w", connID, ErrNotFound)
	}
	if prev, bound := m.byConn[connID]; bound && prev == sessionID {
		return nil
	}
	m.byConn[connID] = sessionID
	s.ConnectionCount++
	s.LastActivityAt = time.Now()
	return nil
}

// DisassociateConnection unbinds a connection. When the last connection of
// an ACTIVE session goes away the session is closed, exactly once; repeated
// calls for the same connection are no-ops and the count floors at zero.
func (m *Manager) DisassociateConnection(connID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.byConn[connID]
	if !ok {
		return Session{}, false
	}
	delete(m.byConn, connID)

	s, ok := m.byID[sessionID]
	if !ok {
		return Session{}, false
	}
	if s.ConnectionCount > 0 {
		s.ConnectionCount--
	}
	s.LastActivityAt = time.Now()

	if s.ConnectionCount == 0 && s.Status == StatusActive {
		s.Status = StatusClosed
		slog.Info("session closed on last disconnect", "session_id", s.SessionID, "user_id", s.UserID)
	}
	return snapshot(s), true
}

// Touch updates the session's activity timestamp (heartbeat).
func (m *Manager) Touch(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return false
	}
	s.LastActivityAt = time.Now()
	return true
}

// Extend pushes the expiry forward. The deadline only ever advances; asking
// for an earlier deadline is a no-op.
func (m *Manager) Extend(sessionID string, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok || s.Status != StatusActive {
		return false
	}
	if deadline := time.Now().Add(d); deadline.After(s.ExpiresAt) {
		s.ExpiresAt = deadline
	}
	return true
}

// UpdateMeta merges overlay into the session's metadata bag.
func (m *Manager) UpdateMeta(sessionID string, overlay map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return false
	}
	s.Meta = mergeMeta(s.Meta, overlay)
	s.LastActivityAt = time.Now()
	return true
}

// Recover creates a new ACTIVE session inheriting continuity from the
// session owning the token. The source transitions to RECOVERED with its
// connection count reset. A bad token or a CLOSED source yields a rejection
// message, not an error.
func (m *Manager) Recover(token, newSessionID string, overlay map[string]any) RecoveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	source, ok := m.byToken[token]
	if !ok {
		return RecoveryResult{Message: "unknown recovery token"}
	}
	if source.Status == StatusClosed {
		return RecoveryResult{Message: fmt.Sprintf("session %s is closed and cannot be recovered", source.SessionID)}
	}

	meta := copyMeta(source.Meta)
	meta = mergeMeta(meta, overlay)
	meta = mergeMeta(meta, map[string]any{
		"recovered_from": source.SessionID,
		"recovered_at":   time.Now().Format(time.RFC3339),
	})

	created, err := m.createLocked(CreateParams{
		UserID:    source.UserID,
		TaskID:    source.TaskID,
		ThreadID:  source.ThreadID,
		SessionID: newSessionID,
		Meta:      meta,
	})
	if err != nil {
		return RecoveryResult{Message: err.Error()}
	}

	fresh := m.byID[created.SessionID]
	fresh.RecoveredFrom = source.SessionID

	// Consume the source: terminal, no live connections.
	source.Status = StatusRecovered
	source.ConnectionCount = 0
	for connID, sid := range m.byConn {
		if sid == source.SessionID {
			delete(m.byConn, connID)
		}
	}

	slog.Info("session recovered",
		"source_session_id", source.SessionID,
		"new_session_id", fresh.SessionID,
		"user_id", fresh.UserID)

	snap := snapshot(fresh)
	return RecoveryResult{Success: true, Session: &snap, Message: "session recovered"}
}

// Close explicitly terminates a session. Idempotent no-op if absent or
// already terminal.
func (m *Manager) Close(sessionID string) {
	m.transition(sessionID, StatusClosed)
}

// Expire explicitly expires a session. Idempotent no-op if absent or
// already terminal.
func (m *Manager) Expire(sessionID string) {
	m.transition(sessionID, StatusExpired)
}

func (m *Manager) transition(sessionID string, to Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok || s.Status.Terminal() {
		return
	}
	s.Status = to
	s.ConnectionCount = 0
	for connID, sid := range m.byConn {
		if sid == sessionID {
			delete(m.byConn, connID)
		}
	}
	slog.Info("session transitioned", "session_id", sessionID, "status", string(to))
}

// SweepExpired transitions every ACTIVE session whose deadline has passed to
// EXPIRED. Running it again immediately finds nothing. Returns the number of
// sessions expired.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for _, s := range m.byID {
		if s.Status != StatusActive || s.ExpiresAt.After(now) {
			continue
		}
		s.Status = StatusExpired
		s.ConnectionCount = 0
		count++
	}
	if count > 0 {
		// Drop connection bindings of the sessions just expired.
		for connID, sid := range m.byConn {
			if s, ok := m.byID[sid]; ok && s.Status == StatusExpired {
				delete(m.byConn, connID)
			}
		}
		slog.Info("expired sessions swept", "count", count)
	}
	return count
}

// Metrics reports aggregate counts over every indexed session.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var mt Metrics
	for _, s := range m.byID {
		mt.Total++
		switch s.Status {
		case StatusActive:
			mt.Active++
			mt.TotalConnections += s.ConnectionCount
		case StatusExpired:
			mt.Expired++
		case StatusClosed:
			mt.Closed++
		case StatusRecovered:
			mt.Recovered++
		}
	}
	if mt.Active > 0 {
		mt.AvgConnections = float64(mt.TotalConnections) / float64(mt.Active)
	}
	return mt
}

// snapshot copies a session so callers never see later mutations.
func snapshot(s *Session) Session {
	out := *s
	out.Meta = copyMeta(s.Meta)
	return out
}
