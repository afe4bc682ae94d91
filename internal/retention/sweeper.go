// Package retention prunes finished debug sessions and their traces on a
// cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/ruledbg/internal/store"
	"github.com/rendis/ruledbg/pkg/schema"
)

// Config tunes the sweeper.
type Config struct {
	// Schedule is a standard 5-field cron expression; sweeps run when due.
	Schedule string
	// MaxAge is how long finished sessions are kept.
	MaxAge time.Duration
	// Vacuum reclaims database space after a sweep that deleted rows.
	Vacuum bool
}

// Sweeper deletes terminal sessions older than MaxAge. Deleting a session
// cascades to its breakpoints, events, and trace.
type Sweeper struct {
	store  store.Store
	config Config
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// terminalStates are the session states eligible for pruning; paused and
// running sessions are never touched.
var terminalStates = []schema.DebugStateKind{
	schema.StateStopped,
	schema.StateCompleted,
	schema.StateError,
}

// NewSweeper creates a retention sweeper.
func NewSweeper(s store.Store, config Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  s,
		config: config,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: logger,
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	schedule, err := s.parser.Parse(s.config.Schedule)
	if err != nil {
		return fmt.Errorf("parse retention schedule %q: %w", s.config.Schedule, err)
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx, schedule)
	s.logger.Info("retention sweeper started", slog.String("schedule", s.config.Schedule))
	return nil
}

func (s *Sweeper) loop(ctx context.Context, schedule cron.Schedule) {
	defer close(s.done)

	for {
		next := schedule.Next(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.SweepNow(ctx); err != nil {
				s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepNow deletes all terminal sessions older than MaxAge and returns how
// many were removed.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.config.MaxAge)
	deleted := 0

	for _, state := range terminalStates {
		st := state
		sessions, err := s.store.ListSessions(ctx, store.SessionFilter{State: &st, Before: &cutoff})
		if err != nil {
			return deleted, fmt.Errorf("list %s sessions: %w", state, err)
		}
		for _, sess := range sessions {
			if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
				s.logger.Warn("delete expired session failed",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()))
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Info("retention sweep completed", slog.Int("deleted", deleted))
		if s.config.Vacuum {
			if err := s.store.Vacuum(ctx); err != nil {
				s.logger.Warn("vacuum failed", slog.String("error", err.Error()))
			}
		}
	}
	return deleted, nil
}

// NextRun reports when the next sweep would fire after the given time.
func (s *Sweeper) NextRun(from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(s.config.Schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse retention schedule %q: %w", s.config.Schedule, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("retention sweeper stopped")
	return nil
}
