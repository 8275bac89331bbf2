package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(Options{})
}

func TestManager_Create_GeneratesIdentifiers(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice", TaskID: "task-1", ThreadID: "main"})
	require.NoError(t, err)

	assert.NotEmpty(t, s.SessionID)
	assert.NotEmpty(t, s.RecoveryToken)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, 0, s.ConnectionCount)
	assert.WithinDuration(t, time.Now().Add(DefaultExpiry), s.ExpiresAt, time.Minute)
}

func TestManager_Create_EnforcesPerUserCap(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	for i := 0; i < DefaultMaxPerUser; i++ {
		_, err := m.Create(CreateParams{UserID: "alice"})
		require.NoError(t, err, "session %d should fit under the cap", i+1)
	}

	_, err := m.Create(CreateParams{UserID: "alice"})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// Other users are unaffected.
	_, err = m.Create(CreateParams{UserID: "bob"})
	require.NoError(t, err)
}

func TestManager_Create_ExpiredSessionsDoNotCountTowardCap(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{MaxPerUser: 1})
	s, err := m.Create(CreateParams{UserID: "alice", Expiry: -time.Minute})
	require.NoError(t, err)
	require.True(t, s.ExpiresAt.After(time.Now()), "negative expiry falls back to default")

	m.Expire(s.SessionID)

	_, err = m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)
}

func TestManager_GetAndGetByRecoveryToken(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	created, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)

	got, ok := m.Get(created.SessionID)
	require.True(t, ok)
	assert.Equal(t, created.SessionID, got.SessionID)

	byToken, ok := m.GetByRecoveryToken(created.RecoveryToken)
	require.True(t, ok)
	assert.Equal(t, created.SessionID, byToken.SessionID)

	_, ok = m.Get("unknown")
	assert.False(t, ok)
	_, ok = m.GetByRecoveryToken("unknown")
	assert.False(t, ok)
}

func TestManager_AssociateDisassociate_TracksConnectionCount(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)

	require.NoError(t, m.AssociateConnection(s.SessionID, "conn-1"))
	require.NoError(t, m.AssociateConnection(s.SessionID, "conn-2"))

	got, _ := m.Get(s.SessionID)
	assert.Equal(t, 2, got.ConnectionCount)

	// Re-associating the same connection is a no-op.
	require.NoError(t, m.AssociateConnection(s.SessionID, "conn-1"))
	got, _ = m.Get(s.SessionID)
	assert.Equal(t, 2, got.ConnectionCount)

	affected, ok := m.DisassociateConnection("conn-1")
	require.True(t, ok)
	assert.Equal(t, 1, affected.ConnectionCount)
	assert.Equal(t, StatusActive, affected.Status)
}

func TestManager_AssociateConnection_UnknownSession(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	err := m.AssociateConnection("ghost", "conn-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_LastDisconnect_ClosesExactlyOnce(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)

	require.NoError(t, m.AssociateConnection(s.SessionID, "conn-1"))

	affected, ok := m.DisassociateConnection("conn-1")
	require.True(t, ok)
	assert.Equal(t, 0, affected.ConnectionCount)
	assert.Equal(t, StatusClosed, affected.Status)

	// Repeated disassociation of the same connection is a no-op.
	_, ok = m.DisassociateConnection("conn-1")
	assert.False(t, ok)

	got, _ := m.Get(s.SessionID)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, 0, got.ConnectionCount)
}

func TestManager_Recover_UnknownToken(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	res := m.Recover("bogus", "", nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unknown")
	assert.Nil(t, res.Session)
}

func TestManager_Recover_ClosedSessionRejected(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)
	m.Close(s.SessionID)

	res := m.Recover(s.RecoveryToken, "", nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "closed")
}

func TestManager_Recover_InheritsContinuityAndConsumesSource(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	src, err := m.Create(CreateParams{
		UserID:   "alice",
		TaskID:   "task-1",
		ThreadID: "main",
		Meta:     map[string]any{"client": "web"},
	})
	require.NoError(t, err)
	require.NoError(t, m.AssociateConnection(src.SessionID, "conn-1"))

	res := m.Recover(src.RecoveryToken, "", map[string]any{"resumed_by": "reconnect"})

	require.True(t, res.Success, res.Message)
	require.NotNil(t, res.Session)

	fresh := res.Session
	assert.Equal(t, "alice", fresh.UserID)
	assert.Equal(t, "task-1", fresh.TaskID)
	assert.Equal(t, "main", fresh.ThreadID)
	assert.Equal(t, StatusActive, fresh.Status)
	assert.Equal(t, src.SessionID, fresh.RecoveredFrom)
	assert.NotEqual(t, src.RecoveryToken, fresh.RecoveryToken)

	// Meta holds the original keys, the overlay and the lineage markers.
	assert.Equal(t, "web", fresh.Meta["client"])
	assert.Equal(t, "reconnect", fresh.Meta["resumed_by"])
	assert.Equal(t, src.SessionID, fresh.Meta["recovered_from"])
	assert.Contains(t, fresh.Meta, "recovered_at")

	source, ok := m.Get(src.SessionID)
	require.True(t, ok)
	assert.Equal(t, StatusRecovered, source.Status)
	assert.Equal(t, 0, source.ConnectionCount)

	// The source's connection bindings are gone.
	_, ok = m.DisassociateConnection("conn-1")
	assert.False(t, ok)
}

func TestManager_Recover_ExpiredSessionIsRecoverable(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)
	m.Expire(s.SessionID)

	res := m.Recover(s.RecoveryToken, "", nil)
	assert.True(t, res.Success, res.Message)
}

func TestManager_CloseAndExpire_IdempotentOnTerminal(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)

	m.Close(s.SessionID)
	got, _ := m.Get(s.SessionID)
	require.Equal(t, StatusClosed, got.Status)

	// A later expire does not overwrite the terminal state.
	m.Expire(s.SessionID)
	got, _ = m.Get(s.SessionID)
	assert.Equal(t, StatusClosed, got.Status)

	// Unknown sessions are a silent no-op.
	m.Close("ghost")
	m.Expire("ghost")
}

func TestManager_SweepExpired_OnlyPastDeadlines(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	stale, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)
	fresh, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)

	// Force the first session's deadline into the past.
	m.mu.Lock()
	m.byID[stale.SessionID].ExpiresAt = time.Now().Add(-time.Second)
	m.mu.Unlock()

	assert.Equal(t, 1, m.SweepExpired())

	got, _ := m.Get(stale.SessionID)
	assert.Equal(t, StatusExpired, got.Status)
	got, _ = m.Get(fresh.SessionID)
	assert.Equal(t, StatusActive, got.Status)

	// Idempotent: a second pass finds nothing.
	assert.Equal(t, 0, m.SweepExpired())
}

func TestManager_EndToEnd_ExpiryScenario(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "42"})
	require.NoError(t, err)

	m.mu.Lock()
	m.byID[s.SessionID].ExpiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	require.Equal(t, 1, m.SweepExpired())

	got, ok := m.Get(s.SessionID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)

	for _, active := range m.List("42", true) {
		assert.NotEqual(t, s.SessionID, active.SessionID)
	}
	assert.Empty(t, m.List("42", true))
}

func TestManager_Extend_OnlyAdvancesDeadline(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice", Expiry: 4 * time.Hour})
	require.NoError(t, err)

	require.True(t, m.Extend(s.SessionID, time.Hour))
	got, _ := m.Get(s.SessionID)
	assert.Equal(t, s.ExpiresAt, got.ExpiresAt, "shorter extension must not pull the deadline back")

	require.True(t, m.Extend(s.SessionID, 8*time.Hour))
	got, _ = m.Get(s.SessionID)
	assert.True(t, got.ExpiresAt.After(s.ExpiresAt))
}

func TestManager_UpdateMeta_Merges(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice", Meta: map[string]any{"a": "1"}})
	require.NoError(t, err)

	require.True(t, m.UpdateMeta(s.SessionID, map[string]any{"b": "2"}))

	got, _ := m.Get(s.SessionID)
	assert.Equal(t, "1", got.Meta["a"])
	assert.Equal(t, "2", got.Meta["b"])
}

func TestManager_Metrics(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	var sessions []Session
	for i := 0; i < 3; i++ {
		s, err := m.Create(CreateParams{UserID: fmt.Sprintf("user-%d", i)})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	require.NoError(t, m.AssociateConnection(sessions[0].SessionID, "c1"))
	require.NoError(t, m.AssociateConnection(sessions[0].SessionID, "c2"))
	require.NoError(t, m.AssociateConnection(sessions[1].SessionID, "c3"))
	m.Close(sessions[2].SessionID)

	mt := m.Metrics()
	assert.Equal(t, 3, mt.Total)
	assert.Equal(t, 2, mt.Active)
	assert.Equal(t, 1, mt.Closed)
	assert.Equal(t, 3, mt.TotalConnections)
	assert.InDelta(t, 1.5, mt.AvgConnections, 0.001)
}

func TestManager_Snapshots_AreIsolated(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice", Meta: map[string]any{"a": "1"}})
	require.NoError(t, err)

	s.Meta["a"] = "mutated"

	got, _ := m.Get(s.SessionID)
	assert.Equal(t, "1", got.Meta["a"])
}
