package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/session"
)

// sweepParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var sweepParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig holds the dependencies for the reconciliation sweeper.
type SweeperConfig struct {
	Store    *persistence.Store
	Registry *session.Registry
	Logger   *slog.Logger
	Schedule string // cron expression; defaults to every 5 minutes
}

// Sweeper periodically closes open sessions whose task already reached a
// terminal status. Normally SetTaskStatus does this inline; the sweeper covers
// the crash window between the status write and the close.
type Sweeper struct {
	store    *persistence.Store
	registry *session.Registry
	logger   *slog.Logger
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from the config.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/5 * * * *"
	}
	schedule, err := sweepParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		schedule: schedule,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and respects
// the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("session sweeper started", "next_run", s.schedule.Next(time.Now()))
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("session sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce closes orphaned sessions for all accounts and returns how many
// were closed. Grouped per task so each close carries the task's reason and
// one bus event.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	orphans, err := s.store.OpenSessionsForTerminalTasks(ctx)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	type taskKey struct{ accountID, taskID string }
	tasks := make(map[taskKey]struct{})
	for _, sess := range orphans {
		tasks[taskKey{sess.AccountID, sess.TaskID}] = struct{}{}
	}

	total := 0
	for key := range tasks {
		closed, err := s.registry.CloseSessionsForTask(ctx, key.accountID, key.taskID, "task completed (sweep)")
		if err != nil {
			return total, fmt.Errorf("sweep close %s/%s: %w", key.accountID, key.taskID, err)
		}
		total += closed
	}
	s.logger.Info("session sweep closed orphans", "closed", total, "tasks", len(tasks))
	return total, nil
}
