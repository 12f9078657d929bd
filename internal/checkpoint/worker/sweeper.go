// Package worker runs the periodic housekeeping the governance core does on
// its own initiative: expiring overdue checkpoints and rolling over budget
// periods.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	id "chenu/pkg/domain"
)

// DefaultInterval is how often the sweeper runs when none is configured.
const DefaultInterval = 30 * time.Second

// Expirer moves overdue checkpoints to expired.
type Expirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]id.CheckpointID, error)
}

// PeriodResetter restarts budgets whose accounting period has elapsed.
type PeriodResetter interface {
	ResetElapsed(ctx context.Context) ([]id.ScopeID, error)
}

type Sweeper struct {
	expirer  Expirer
	budgets  PeriodResetter
	interval time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

type Option func(*Sweeper)

func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPeriodResetter also rolls over elapsed budget periods on every tick.
func WithPeriodResetter(budgets PeriodResetter) Option {
	return func(s *Sweeper) {
		s.budgets = budgets
	}
}

func New(expirer Expirer, opts ...Option) (*Sweeper, error) {
	if expirer == nil {
		return nil, fmt.Errorf("checkpoint expirer is required")
	}
	s := &Sweeper{
		expirer:  expirer,
		interval: DefaultInterval,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps every interval until ctx is cancelled. A failed sweep is logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "checkpoint sweeper started", "interval", s.interval)
	for {
		select {
		case <-ticker.C:
			if err := s.SweepAt(ctx, s.clock().UTC()); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "checkpoint sweeper stopped")
			return ctx.Err()
		}
	}
}

// SweepAt runs one pass as of now. Exported for testability; Run passes
// wall-clock time.
func (s *Sweeper) SweepAt(ctx context.Context, now time.Time) error {
	expired, err := s.expirer.ExpireOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("expire overdue checkpoints: %w", err)
	}
	if len(expired) > 0 {
		s.logger.DebugContext(ctx, "expired checkpoints", "count", len(expired))
	}

	if s.budgets == nil {
		return nil
	}
	reset, err := s.budgets.ResetElapsed(ctx)
	if err != nil {
		return fmt.Errorf("reset elapsed budgets: %w", err)
	}
	if len(reset) > 0 {
		s.logger.DebugContext(ctx, "reset elapsed budgets", "count", len(reset))
	}
	return nil
}
