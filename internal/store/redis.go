package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "beacon:"
	keyAllSet     = keyPrefix + "sessions"
	keySessionSeq = keyPrefix + "session_seq"
	keyEventSeq   = keyPrefix + "event_seq"

	// maxEventsPerSession bounds the per-session audit trail in Redis.
	maxEventsPerSession = 1000
)

func sessionKey(sessionID string) string { return keyPrefix + "session:" + sessionID }
func tokenKey(token string) string       { return keyPrefix + "token:" + token }
func userKey(userID string) string       { return keyPrefix + "user:" + userID }
func eventsKey(sessionID string) string  { return keyPrefix + "events:" + sessionID }

// RedisStore implements Store on Redis: session records as JSON values with
// recovery-token and per-user secondary indexes. Records are soft-lifecycle
// like the SQLite driver; Cleanup enforces retention.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore for the given server.
func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client}
}

// Ping verifies connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// --- Sessions ---

func (r *RedisStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	id, err := r.client.Incr(ctx, keySessionSeq).Result()
	if err != nil {
		return fmt.Errorf("allocating session id: %w", err)
	}
	rec.ID = id

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(rec.SessionID), data, 0)
	pipe.Set(ctx, tokenKey(rec.RecoveryToken), rec.SessionID, 0)
	pipe.SAdd(ctx, userKey(rec.UserID), rec.SessionID)
	pipe.SAdd(ctx, keyAllSet, rec.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (r *RedisStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) GetByRecoveryToken(ctx context.Context, token string) (*SessionRecord, error) {
	sessionID, err := r.client.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving recovery token: %w", err)
	}
	return r.GetSession(ctx, sessionID)
}

func (r *RedisStore) UpdateSession(ctx context.Context, rec *SessionRecord) error {
	exists, err := r.client.Exists(ctx, sessionKey(rec.SessionID)).Result()
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("updating session %q: %w", rec.SessionID, ErrNotFound)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(rec.SessionID), data, 0)
	pipe.Set(ctx, tokenKey(rec.RecoveryToken), rec.SessionID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

func (r *RedisStore) ListSessions(ctx context.Context, f SessionFilter) ([]SessionRecord, error) {
	var ids []string
	var err error
	if f.UserID != "" {
		ids, err = r.client.SMembers(ctx, userKey(f.UserID)).Result()
	} else {
		ids, err = r.client.SMembers(ctx, keyAllSet).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("listing session ids: %w", err)
	}

	now := time.Now()
	var sessions []SessionRecord
	for _, id := range ids {
		rec, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // index entry outlived the record
		}
		if err != nil {
			return nil, err
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.ActiveOnly && (rec.Status != "active" || !rec.ExpiresAt.After(now)) {
			continue
		}
		if !f.ExpiredBefore.IsZero() && !rec.ExpiresAt.Before(f.ExpiredBefore) {
			continue
		}
		sessions = append(sessions, *rec)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if f.Limit > 0 && len(sessions) > f.Limit {
		sessions = sessions[:f.Limit]
	}
	return sessions, nil
}

func (r *RedisStore) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	ids, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}

	count := 0
	for _, id := range ids {
		rec, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if rec.Status == "active" && rec.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

// --- Session Events ---

func (r *RedisStore) AddEvent(ctx context.Context, e *SessionEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	id, err := r.client.Incr(ctx, keyEventSeq).Result()
	if err != nil {
		return fmt.Errorf("allocating event id: %w", err)
	}
	e.ID = id

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding session event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, eventsKey(e.SessionID), data)
	pipe.LTrim(ctx, eventsKey(e.SessionID), 0, maxEventsPerSession-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adding session event: %w", err)
	}
	return nil
}

func (r *RedisStore) GetEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := r.client.LRange(ctx, eventsKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("getting session events: %w", err)
	}

	events := make([]SessionEvent, 0, len(raw))
	for _, item := range raw {
		var e SessionEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			slog.Warn("corrupt session event, skipping", "session_id", sessionID, "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// --- Maintenance ---

func (r *RedisStore) Cleanup(ctx context.Context, olderThan time.Time) error {
	ids, err := r.client.SMembers(ctx, keyAllSet).Result()
	if err != nil {
		return fmt.Errorf("listing sessions for cleanup: %w", err)
	}

	for _, id := range ids {
		rec, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.client.SRem(ctx, keyAllSet, id)
			continue
		}
		if err != nil {
			return err
		}
		if rec.Status == "active" || !rec.LastActivityAt.Before(olderThan) {
			continue
		}

		pipe := r.client.TxPipeline()
		pipe.Del(ctx, sessionKey(id), tokenKey(rec.RecoveryToken), eventsKey(id))
		pipe.SRem(ctx, userKey(rec.UserID), id)
		pipe.SRem(ctx, keyAllSet, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("cleaning session %q: %w", id, err)
		}
	}
	return nil
}
