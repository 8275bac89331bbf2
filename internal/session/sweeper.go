package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 60 * time.Second

// SweepFunc performs one expiry pass and reports how many sessions it
// transitioned.
type SweepFunc func(ctx context.Context) (int, error)

// Sweeper periodically drives a SweepFunc for the lifetime of its context.
// A failed or panicking pass is logged and never aborts future passes.
type Sweeper struct {
	interval time.Duration
	sweep    SweepFunc
}

// NewSweeper creates a Sweeper running sweep every interval.
func NewSweeper(interval time.Duration, sweep SweepFunc) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{interval: interval, sweep: sweep}
}

// Run blocks until ctx is cancelled. Cancellation stops new passes; an
// in-flight pass finishes.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("session sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweeper stopped")
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sweep pass panicked", "panic", r)
		}
	}()

	count, err := s.sweep(ctx)
	if err != nil {
		slog.Warn("sweep pass failed", "error", err)
		return
	}
	if count > 0 {
		slog.Debug("sweep pass done", "expired", count)
	}
}
