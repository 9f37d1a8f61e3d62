package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/bus"
)

// TaskStatus mirrors the dashboard's task board columns. missiond only cares
// about the terminal ones, which retire sessions and cancel queued work.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "OPEN"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusInReview   TaskStatus = "IN_REVIEW"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusOpen: {
		TaskStatusInProgress: {},
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusInReview:  {},
		TaskStatusDone:      {},
		TaskStatusCancelled: {},
		TaskStatusOpen:      {}, // Agent detached; back to the board.
	},
	TaskStatusInReview: {
		TaskStatusInProgress: {},
		TaskStatusDone:       {},
		TaskStatusCancelled:  {},
	},
}

// Terminal reports whether the status retires the task.
func (st TaskStatus) Terminal() bool {
	return st == TaskStatusDone || st == TaskStatusCancelled
}

func (st TaskStatus) valid() bool {
	switch st {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusInReview, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

type Task struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CreateTask inserts a task in OPEN status.
func (s *Store) CreateTask(ctx context.Context, taskID, accountID, title string) error {
	if err := validateIdentifier("task_id", taskID); err != nil {
		return err
	}
	if err := validateIdentifier("account_id", accountID); err != nil {
		return err
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, account_id, title, status)
			VALUES (?, ?, ?, ?);
		`, taskID, accountID, title, TaskStatusOpen)
		return err
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask returns a task by account and id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, accountID, taskID string) (*Task, error) {
	if err := validateIdentifier("account_id", accountID); err != nil {
		return nil, err
	}
	if err := validateIdentifier("task_id", taskID); err != nil {
		return nil, err
	}
	var task Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, title, status, created_at, updated_at
		FROM tasks
		WHERE account_id = ? AND id = ?;
	`, accountID, taskID).Scan(&task.ID, &task.AccountID, &task.Title, &task.Status, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ErrInvalidTransition marks a task status change the board does not allow.
var ErrInvalidTransition = errors.New("invalid task transition")

// TransitionTask moves a task to a new status if the transition is allowed,
// returning the previous status. Terminal statuses accept no further moves.
func (s *Store) TransitionTask(ctx context.Context, accountID, taskID string, to TaskStatus) (TaskStatus, error) {
	if err := validateIdentifier("account_id", accountID); err != nil {
		return "", err
	}
	if err := validateIdentifier("task_id", taskID); err != nil {
		return "", err
	}
	if !to.valid() {
		return "", fmt.Errorf("unknown task status %q", to)
	}

	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT status FROM tasks WHERE account_id = ? AND id = ?;
		`, accountID, taskID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %q not found", taskID)
			}
			return fmt.Errorf("read task status: %w", err)
		}
		if from == to {
			return tx.Commit()
		}
		if _, ok := allowedTaskTransitions[from][to]; !ok {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE account_id = ? AND id = ?;
		`, to, accountID, taskID); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil && from != to {
		s.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
			AccountID: accountID,
			TaskID:    taskID,
			OldStatus: string(from),
			NewStatus: string(to),
		})
	}
	return from, nil
}
