package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunsPeriodically(t *testing.T) {
	t.Parallel()

	var passes atomic.Int32
	sw := NewSweeper(5*time.Millisecond, func(ctx context.Context) (int, error) {
		passes.Add(1)
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return passes.Load() >= 3 },
		time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}

func TestSweeper_ErrorDoesNotStopFuturePasses(t *testing.T) {
	t.Parallel()

	var passes atomic.Int32
	sw := NewSweeper(5*time.Millisecond, func(ctx context.Context) (int, error) {
		if passes.Add(1) == 1 {
			return 0, errors.New("store unavailable")
		}
		return 1, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	require.Eventually(t, func() bool { return passes.Load() >= 3 },
		time.Second, time.Millisecond)
}

func TestSweeper_PanicDoesNotStopFuturePasses(t *testing.T) {
	t.Parallel()

	var passes atomic.Int32
	sw := NewSweeper(5*time.Millisecond, func(ctx context.Context) (int, error) {
		if passes.Add(1) == 1 {
			panic("boom")
		}
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	require.Eventually(t, func() bool { return passes.Load() >= 3 },
		time.Second, time.Millisecond)
}

func TestSweeper_DefaultInterval(t *testing.T) {
	t.Parallel()

	sw := NewSweeper(0, func(ctx context.Context) (int, error) { return 0, nil })
	assert.Equal(t, DefaultSweepInterval, sw.interval)
}

func TestSweeper_DrivesManager(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	s, err := m.Create(CreateParams{UserID: "alice"})
	require.NoError(t, err)

	m.mu.Lock()
	m.byID[s.SessionID].ExpiresAt = time.Now().Add(-time.Second)
	m.mu.Unlock()

	sw := NewSweeper(5*time.Millisecond, func(ctx context.Context) (int, error) {
		return m.SweepExpired(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	require.Eventually(t, func() bool {
		got, ok := m.Get(s.SessionID)
		return ok && got.Status == StatusExpired
	}, time.Second, time.Millisecond)
}
