package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btouchard/beacon/internal/store"
)

// Service is the durable counterpart of Manager: the same lifecycle rules
// applied to persisted session records. Records are soft-lifecycle — close
// and expiry change status but the row survives until retention cleanup.
// Compound read-then-write operations run under one service-wide mutex on
// top of the store, matching the manager's discipline.
type Service struct {
	mu            sync.Mutex
	store         store.Store
	maxPerUser    int
	defaultExpiry time.Duration
}

// NewService creates a Service persisting through st.
func NewService(st store.Store, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:         st,
		maxPerUser:    opts.MaxPerUser,
		defaultExpiry: opts.DefaultExpiry,
	}
}

// Create persists a new ACTIVE session, enforcing the per-user cap.
func (s *Service) Create(ctx context.Context, p CreateParams) (*store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	active, err := s.store.CountActive(ctx, p.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("checking session cap: %w", err)
	}
	if active >= s.maxPerUser {
		return nil, fmt.Errorf("user %q has %d active sessions: %w",
			p.UserID, active, ErrCapacityExceeded)
	}

	expiry := p.Expiry
	if expiry <= 0 {
		expiry = s.defaultExpiry
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	rec := &store.SessionRecord{
		SessionID:      sessionID,
		UserID:         p.UserID,
		TaskID:         p.TaskID,
		ThreadID:       p.ThreadID,
		Status:         string(StatusActive),
		RecoveryToken:  NewRecoveryToken(),
		Meta:           copyMeta(p.Meta),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(expiry),
	}

	if err := s.store.CreateSession(ctx, rec); err != nil {
		return nil, err
	}
	s.journal(ctx, rec.SessionID, "created", "session created for user "+rec.UserID)

	return rec, nil
}

// Get returns the persisted session, mapping a store miss to ErrNotFound.
func (s *Service) Get(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	rec, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return rec, err
}

// GetByRecoveryToken resolves a recovery token to its session.
func (s *Service) GetByRecoveryToken(ctx context.Context, token string) (*store.SessionRecord, error) {
	rec, err := s.store.GetByRecoveryToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns a user's sessions, optionally ACTIVE-only.
func (s *Service) List(ctx context.Context, userID string, activeOnly bool) ([]store.SessionRecord, error) {
	return s.store.ListSessions(ctx, store.SessionFilter{UserID: userID, ActiveOnly: activeOnly})
}

// Connect records one more live connection on the session.
func (s *Service) Connect(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	rec.ConnectionCount++
	rec.LastActivityAt = time.Now()
	if err := s.store.UpdateSession(ctx, rec); err != nil {
		return err
	}
	s.journal(ctx, sessionID, "connected", fmt.Sprintf("connections: %d", rec.ConnectionCount))
	return nil
}

// Disconnect records one less live connection. The count floors at zero;
// an ACTIVE session losing its last connection is closed, exactly once.
func (s *Service) Disconnect(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if rec.ConnectionCount > 0 {
		rec.ConnectionCount--
	}
	rec.LastActivityAt = time.Now()

	closing := rec.ConnectionCount == 0 && rec.Status == string(StatusActive)
	if closing {
		rec.Status = string(StatusClosed)
	}
	if err := s.store.UpdateSession(ctx, rec); err != nil {
		return err
	}

	if closing {
		s.journal(ctx, sessionID, "closed", "last connection gone")
	} else {
		s.journal(ctx, sessionID, "disconnected", fmt.Sprintf("connections: %d", rec.ConnectionCount))
	}
	return nil
}

// Touch refreshes the activity timestamp.
func (s *Service) Touch(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	rec.LastActivityAt = time.Now()
	return s.store.UpdateSession(ctx, rec)
}

// Update merges a metadata overlay and optionally extends the expiry.
// The deadline only ever advances.
func (s *Service) Update(ctx context.Context, sessionID string, overlay map[string]any, extend time.Duration) (*store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rec.Meta = mergeMeta(rec.Meta, overlay)
	rec.LastActivityAt = time.Now()
	if extend > 0 {
		if deadline := time.Now().Add(extend); deadline.After(rec.ExpiresAt) {
			rec.ExpiresAt = deadline
		}
	}

	if err := s.store.UpdateSession(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Recover creates a new ACTIVE session inheriting continuity from the token's
// session, persisting both sides of the hand-off. Rejections are reported in
// the result, not as errors.
func (s *Service) Recover(ctx context.Context, token, newSessionID string, overlay map[string]any) (RecoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, err := s.store.GetByRecoveryToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return RecoveryResult{Message: "unknown recovery token"}, nil
	}
	if err != nil {
		return RecoveryResult{}, err
	}
	if source.Status == string(StatusClosed) {
		return RecoveryResult{
			Message: fmt.Sprintf("session %s is closed and cannot be recovered", source.SessionID),
		}, nil
	}

	now := time.Now()

	active, err := s.store.CountActive(ctx, source.UserID, now)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("checking session cap: %w", err)
	}
	if active >= s.maxPerUser {
		return RecoveryResult{
			Message: fmt.Sprintf("user %q has %d active sessions: %s",
				source.UserID, active, ErrCapacityExceeded),
		}, nil
	}

	meta := copyMeta(source.Meta)
	meta = mergeMeta(meta, overlay)
	meta = mergeMeta(meta, map[string]any{
		"recovered_from": source.SessionID,
		"recovered_at":   now.Format(time.RFC3339),
	})
	fresh := &store.SessionRecord{
		SessionID:      newSessionID,
		UserID:         source.UserID,
		TaskID:         source.TaskID,
		ThreadID:       source.ThreadID,
		Status:         string(StatusActive),
		RecoveryToken:  NewRecoveryToken(),
		RecoveredFrom:  source.SessionID,
		Meta:           meta,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.defaultExpiry),
	}
	if fresh.SessionID == "" {
		fresh.SessionID = NewSessionID()
	}

	if err := s.store.CreateSession(ctx, fresh); err != nil {
		return RecoveryResult{}, fmt.Errorf("persisting recovered session: %w", err)
	}

	source.Status = string(StatusRecovered)
	source.ConnectionCount = 0
	source.LastActivityAt = now
	if err := s.store.UpdateSession(ctx, source); err != nil {
		return RecoveryResult{}, fmt.Errorf("consuming recovery source: %w", err)
	}

	s.journal(ctx, source.SessionID, "recovered", "continuity claimed by "+fresh.SessionID)
	s.journal(ctx, fresh.SessionID, "created", "recovered from "+source.SessionID)

	snap := recordToSession(fresh)
	return RecoveryResult{Success: true, Session: &snap, Message: "session recovered"}, nil
}

// Close explicitly terminates a session. Idempotent: unknown or already
// terminal sessions are left untouched.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, StatusClosed)
}

// Expire explicitly expires a session, with the same idempotency as Close.
func (s *Service) Expire(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, StatusExpired)
}

func (s *Service) transition(ctx context.Context, sessionID string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if Status(rec.Status).Terminal() {
		return nil
	}

	rec.Status = string(to)
	rec.ConnectionCount = 0
	rec.LastActivityAt = time.Now()
	if err := s.store.UpdateSession(ctx, rec); err != nil {
		return err
	}
	s.journal(ctx, sessionID, string(to), "explicit transition")
	return nil
}

// SweepExpired transitions every ACTIVE session whose deadline has passed.
// Returns how many sessions were expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale, err := s.store.ListSessions(ctx, store.SessionFilter{
		Status:        string(StatusActive),
		ExpiredBefore: time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("listing expired sessions: %w", err)
	}

	count := 0
	for i := range stale {
		rec := &stale[i]
		rec.Status = string(StatusExpired)
		rec.ConnectionCount = 0
		if err := s.store.UpdateSession(ctx, rec); err != nil {
			slog.Warn("failed to expire session", "session_id", rec.SessionID, "error", err)
			continue
		}
		s.journal(ctx, rec.SessionID, "expired", "deadline passed")
		count++
	}
	return count, nil
}

// Cleanup removes terminal records older than the retention window.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) error {
	return s.store.Cleanup(ctx, time.Now().Add(-retention))
}

// Events returns the session's audit trail, newest first.
func (s *Service) Events(ctx context.Context, sessionID string, limit int) ([]store.SessionEvent, error) {
	return s.store.GetEvents(ctx, sessionID, limit)
}

// Metrics aggregates over every persisted session.
func (s *Service) Metrics(ctx context.Context) (Metrics, error) {
	all, err := s.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return Metrics{}, err
	}

	var mt Metrics
	for _, rec := range all {
		mt.Total++
		switch Status(rec.Status) {
		case StatusActive:
			mt.Active++
			mt.TotalConnections += rec.ConnectionCount
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
	return mt, nil
}

// journal records an audit event, best-effort.
func (s *Service) journal(ctx context.Context, sessionID, eventType, message string) {
	err := s.store.AddEvent(ctx, &store.SessionEvent{
		SessionID: sessionID,
		EventType: eventType,
		Message:   message,
	})
	if err != nil {
		slog.Warn("failed to journal session event",
			"session_id", sessionID,
			"event_type", eventType,
			"error", err)
	}
}

// recordToSession converts a persisted record into the in-memory shape.
func recordToSession(rec *store.SessionRecord) Session {
	return Session{
		SessionID:       rec.SessionID,
		UserID:          rec.UserID,
		TaskID:          rec.TaskID,
		ThreadID:        rec.ThreadID,
		Status:          Status(rec.Status),
		ConnectionCount: rec.ConnectionCount,
		RecoveryToken:   rec.RecoveryToken,
		RecoveredFrom:   rec.RecoveredFrom,
		Meta:            copyMeta(rec.Meta),
		CreatedAt:       rec.CreatedAt,
		LastActivityAt:  rec.LastActivityAt,
		ExpiresAt:       rec.ExpiresAt,
	}
}
