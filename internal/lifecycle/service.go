// Package lifecycle reacts to dashboard task transitions: terminal statuses
// retire the task's runtime sessions and drop its queued work. The sweeper
// re-runs that cleanup periodically for sessions a crash left behind.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/session"
)

// Service applies task status changes and the cleanup they imply.
type Service struct {
	store    *persistence.Store
	registry *session.Registry
	logger   *slog.Logger
}

// NewService creates a lifecycle Service.
func NewService(store *persistence.Store, registry *session.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, registry: registry, logger: logger}
}

// SetTaskStatus transitions a task. When the new status is terminal, every
// open session bound to the task is closed and its queued work canceled; the
// transition itself is rejected if the board does not allow it.
func (s *Service) SetTaskStatus(ctx context.Context, accountID, taskID string, to persistence.TaskStatus) error {
	from, err := s.store.TransitionTask(ctx, accountID, taskID, to)
	if err != nil {
		return err
	}
	if from == to || !to.Terminal() {
		return nil
	}

	reason := fmt.Sprintf("task %s", to)
	closed, err := s.registry.CloseSessionsForTask(ctx, accountID, taskID, reason)
	if err != nil {
		return fmt.Errorf("close sessions after %s: %w", to, err)
	}
	canceled, err := s.store.CancelWorkForTask(ctx, accountID, taskID)
	if err != nil {
		return fmt.Errorf("cancel work after %s: %w", to, err)
	}
	s.logger.Info("task retired",
		"account_id", accountID,
		"task_id", taskID,
		"status", to,
		"sessions_closed", closed,
		"work_canceled", canceled,
	)
	return nil
}
