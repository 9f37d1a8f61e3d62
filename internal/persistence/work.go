package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkStatus tracks a queued unit of agent work through delivery.
type WorkStatus string

const (
	WorkStatusQueued     WorkStatus = "QUEUED"
	WorkStatusDelivering WorkStatus = "DELIVERING"
	WorkStatusDelivered  WorkStatus = "DELIVERED"
	WorkStatusDeadLetter WorkStatus = "DEAD_LETTER"
	WorkStatusCanceled   WorkStatus = "CANCELED"
)

// WorkItem is one unit of work to hand to an agent process. TaskID is empty
// for system-scoped work (heartbeats, account-wide chores).
type WorkItem struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	AgentID     string     `json:"agent_id"`
	AgentSlug   string     `json:"agent_slug"`
	TaskID      string     `json:"task_id,omitempty"`
	Payload     string     `json:"payload"`
	Status      WorkStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	AvailableAt time.Time  `json:"available_at"`
	SessionKey  string     `json:"session_key,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Scope derives the session scope the item's delivery must be labeled with.
func (w *WorkItem) Scope() SessionScope {
	if w.TaskID != "" {
		return TaskScope(w.AccountID, w.TaskID, w.AgentID)
	}
	return SystemScope(w.AccountID, w.AgentID)
}

const workColumns = `
	id, account_id, agent_id, agent_slug, COALESCE(task_id, ''), payload,
	status, attempt, available_at, session_key, last_error, created_at, updated_at`

func scanWorkItem(scan func(...any) error) (*WorkItem, error) {
	var item WorkItem
	if err := scan(
		&item.ID, &item.AccountID, &item.AgentID, &item.AgentSlug, &item.TaskID,
		&item.Payload, &item.Status, &item.Attempt, &item.AvailableAt,
		&item.SessionKey, &item.LastError, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &item, nil
}

// EnqueueWork inserts a queued work item and returns its id.
func (s *Store) EnqueueWork(ctx context.Context, accountID, agentID, agentSlug, taskID, payload string) (string, error) {
	if err := validateIdentifier("account_id", accountID); err != nil {
		return "", err
	}
	if err := validateIdentifier("agent_id", agentID); err != nil {
		return "", err
	}
	if err := validateIdentifier("agent_slug", agentSlug); err != nil {
		return "", err
	}
	var task any
	if taskID != "" {
		if err := validateIdentifier("task_id", taskID); err != nil {
			return "", err
		}
		task = taskID
	}

	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO work_items (id, account_id, agent_id, agent_slug, task_id, payload, status)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, accountID, agentID, agentSlug, task, payload, WorkStatusQueued)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue work: %w", err)
	}
	return id, nil
}

// ClaimNextWork atomically claims the oldest due queued item, moving it to
// DELIVERING and bumping its attempt counter. Returns nil when nothing is due.
func (s *Store) ClaimNextWork(ctx context.Context) (*WorkItem, error) {
	var result *WorkItem
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+workColumns+`
			FROM work_items
			WHERE status = ? AND available_at <= strftime('%Y-%m-%d %H:%M:%f', 'now')
			ORDER BY available_at ASC, created_at ASC, id ASC
			LIMIT 1;
		`, WorkStatusQueued)
		item, scanErr := scanWorkItem(row.Scan)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select queued work: %w", scanErr)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, attempt = attempt + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, WorkStatusDelivering, item.ID, WorkStatusQueued); err != nil {
			return fmt.Errorf("claim work: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		item.Status = WorkStatusDelivering
		item.Attempt++
		result = item
		return nil
	})
	return result, err
}

// MarkWorkDelivered finalizes a successful delivery, stamping the session key
// the delivery was labeled with.
func (s *Store) MarkWorkDelivered(ctx context.Context, id, sessionKey string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, session_key = ?, last_error = '', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, WorkStatusDelivered, sessionKey, id, WorkStatusDelivering)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// RescheduleWork requeues a failed delivery to run after the given delay.
// The due time is computed inside SQLite so it stays text-comparable with the
// claim query's clock.
func (s *Store) RescheduleWork(ctx context.Context, id string, delay time.Duration, lastError string) error {
	modifier := fmt.Sprintf("+%.3f seconds", delay.Seconds())
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, available_at = strftime('%Y-%m-%d %H:%M:%f', 'now', ?),
			    last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, WorkStatusQueued, modifier, lastError, id, WorkStatusDelivering)
		return err
	})
	if err != nil {
		return fmt.Errorf("reschedule work: %w", err)
	}
	return nil
}

// MarkWorkDeadLetter parks an item whose delivery budget is exhausted.
func (s *Store) MarkWorkDeadLetter(ctx context.Context, id, lastError string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, WorkStatusDeadLetter, lastError, id, WorkStatusDelivering)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	return nil
}

// CancelWorkForTask drops queued work for a task that reached a terminal
// status. In-flight deliveries are left to finish; only QUEUED rows move.
func (s *Store) CancelWorkForTask(ctx context.Context, accountID, taskID string) (int, error) {
	if err := validateIdentifier("account_id", accountID); err != nil {
		return 0, err
	}
	if err := validateIdentifier("task_id", taskID); err != nil {
		return 0, err
	}
	var canceled int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE account_id = ? AND task_id = ? AND status = ?;
		`, WorkStatusCanceled, accountID, taskID, WorkStatusQueued)
		if err != nil {
			return err
		}
		canceled, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cancel work for task: %w", err)
	}
	return int(canceled), nil
}

// GetWorkItem returns a work item by id, or nil when absent.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workColumns+`
		FROM work_items
		WHERE id = ?;
	`, id)
	item, err := scanWorkItem(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select work item: %w", err)
	}
	return item, nil
}
