package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(sessionID, userID string) *SessionRecord {
	now := time.Now().Truncate(time.Second)
	return &SessionRecord{
		SessionID:      sessionID,
		UserID:         userID,
		TaskID:         "task-1",
		ThreadID:       "main",
		Status:         "active",
		RecoveryToken:  "rcv-" + sessionID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(2 * time.Hour),
	}
}

func TestSQLiteStore_Migration_CreatesTablesAndVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var version int
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("ses-1", "alice")
	rec.Meta = map[string]any{"client": "web", "locale": "fr"}
	require.NoError(t, s.CreateSession(ctx, rec))
	assert.NotZero(t, rec.ID)

	got, err := s.GetSession(ctx, "ses-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "main", got.ThreadID)
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, "rcv-ses-1", got.RecoveryToken)
	assert.Equal(t, "web", got.Meta["client"])
	assert.Equal(t, "fr", got.Meta["locale"])
}

func TestSQLiteStore_GetSession_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_GetByRecoveryToken(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, testRecord("ses-1", "alice")))

	got, err := s.GetByRecoveryToken(ctx, "rcv-ses-1")
	require.NoError(t, err)
	assert.Equal(t, "ses-1", got.SessionID)

	_, err = s.GetByRecoveryToken(ctx, "rcv-unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("ses-1", "alice")
	require.NoError(t, s.CreateSession(ctx, rec))

	rec.Status = "closed"
	rec.ConnectionCount = 0
	rec.Meta = map[string]any{"closed_reason": "explicit"}
	require.NoError(t, s.UpdateSession(ctx, rec))

	got, err := s.GetSession(ctx, "ses-1")
	require.NoError(t, err)
	assert.Equal(t, "closed", got.Status)
	assert.Equal(t, "explicit", got.Meta["closed_reason"])
}

func TestSQLiteStore_UpdateSession_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.UpdateSession(context.Background(), testRecord("ghost", "alice"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListSessions_Filters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	active := testRecord("ses-active", "alice")
	require.NoError(t, s.CreateSession(ctx, active))

	closed := testRecord("ses-closed", "alice")
	closed.Status = "closed"
	require.NoError(t, s.CreateSession(ctx, closed))

	stale := testRecord("ses-stale", "alice")
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, stale))

	other := testRecord("ses-bob", "bob")
	require.NoError(t, s.CreateSession(ctx, other))

	all, err := s.ListSessions(ctx, SessionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	closedOnly, err := s.ListSessions(ctx, SessionFilter{UserID: "alice", Status: "closed"})
	require.NoError(t, err)
	require.Len(t, closedOnly, 1)
	assert.Equal(t, "ses-closed", closedOnly[0].SessionID)

	// ActiveOnly excludes the session whose deadline already passed.
	activeOnly, err := s.ListSessions(ctx, SessionFilter{UserID: "alice", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, "ses-active", activeOnly[0].SessionID)

	expired, err := s.ListSessions(ctx, SessionFilter{Status: "active", ExpiredBefore: time.Now()})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "ses-stale", expired[0].SessionID)

	limited, err := s.ListSessions(ctx, SessionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_CountActive(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateSession(ctx, testRecord(fmt.Sprintf("ses-%d", i), "alice")))
	}
	stale := testRecord("ses-stale", "alice")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.CreateSession(ctx, stale))

	count, err := s.CountActive(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = s.CountActive(ctx, "bob", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSQLiteStore_Events_AddAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddEvent(ctx, &SessionEvent{
			SessionID: "ses-1",
			EventType: "connected",
			Message:   fmt.Sprintf("connection %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := s.GetEvents(ctx, "ses-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, "connection 2", events[0].Message)

	limited, err := s.GetEvents(ctx, "ses-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_Cleanup_RemovesOldTerminalSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := testRecord("ses-old", "alice")
	old.Status = "closed"
	old.LastActivityAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.CreateSession(ctx, old))
	require.NoError(t, s.AddEvent(ctx, &SessionEvent{SessionID: "ses-old", EventType: "closed"}))

	fresh := testRecord("ses-fresh", "alice")
	require.NoError(t, s.CreateSession(ctx, fresh))

	require.NoError(t, s.Cleanup(ctx, time.Now().Add(-24*time.Hour)))

	_, err := s.GetSession(ctx, "ses-old")
	assert.ErrorIs(t, err, ErrNotFound)

	events, err := s.GetEvents(ctx, "ses-old", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = s.GetSession(ctx, "ses-fresh")
	assert.NoError(t, err)
}
