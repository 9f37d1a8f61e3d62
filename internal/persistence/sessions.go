package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionType distinguishes task-bound sessions from account-wide ones.
type SessionType string

const (
	SessionTypeTask   SessionType = "task"
	SessionTypeSystem SessionType = "system"
)

// SessionScope identifies one mutual-exclusion slot for runtime sessions:
// (account, type, task for task-type, agent). TaskID is empty exactly when
// Type is SessionTypeSystem.
type SessionScope struct {
	AccountID string
	Type      SessionType
	TaskID    string
	AgentID   string
}

// TaskScope builds a scope for an agent working a specific task.
func TaskScope(accountID, taskID, agentID string) SessionScope {
	return SessionScope{AccountID: accountID, Type: SessionTypeTask, TaskID: taskID, AgentID: agentID}
}

// SystemScope builds a scope for an agent's account-wide runtime.
func SystemScope(accountID, agentID string) SessionScope {
	return SessionScope{AccountID: accountID, Type: SessionTypeSystem, AgentID: agentID}
}

// Validate rejects malformed scopes before any storage access.
func (sc SessionScope) Validate() error {
	if err := validateIdentifier("account_id", sc.AccountID); err != nil {
		return err
	}
	if err := validateIdentifier("agent_id", sc.AgentID); err != nil {
		return err
	}
	switch sc.Type {
	case SessionTypeTask:
		if err := validateIdentifier("task_id", sc.TaskID); err != nil {
			return err
		}
	case SessionTypeSystem:
		if sc.TaskID != "" {
			return fmt.Errorf("system scope must not carry a task_id")
		}
	default:
		return fmt.Errorf("invalid session_type %q", sc.Type)
	}
	return nil
}

// Key formats the stable session key for this scope and generation.
// External systems parse these strings verbatim; the layout is load-bearing.
func (sc SessionScope) Key(agentSlug string, generation int) string {
	if sc.Type == SessionTypeTask {
		return fmt.Sprintf("task:%s:agent:%s:%s:v%d", sc.TaskID, agentSlug, sc.AccountID, generation)
	}
	return fmt.Sprintf("system:agent:%s:%s:v%d", agentSlug, sc.AccountID, generation)
}

// validateIdentifier enforces the identifier contract shared by account, task
// and agent ids and by agent slugs. Colons are banned because the session key
// format uses them as field separators.
func validateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s must be non-empty", field)
	}
	if strings.ContainsAny(value, ": \t\n") {
		return fmt.Errorf("%s %q contains reserved characters", field, value)
	}
	if len(value) > 128 {
		return fmt.Errorf("%s exceeds 128 bytes", field)
	}
	return nil
}

// AgentSession is one generation of runtime attachment for a scope.
// Closed rows are immutable history; only open rows (ClosedAt == nil)
// participate in the at-most-one-open invariant.
type AgentSession struct {
	ID           string      `json:"id"`
	AccountID    string      `json:"account_id"`
	AgentID      string      `json:"agent_id"`
	AgentSlug    string      `json:"agent_slug"`
	Type         SessionType `json:"session_type"`
	TaskID       string      `json:"task_id,omitempty"`
	Generation   int         `json:"generation"`
	SessionKey   string      `json:"session_key"`
	OpenedAt     time.Time   `json:"opened_at"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	ClosedReason string      `json:"closed_reason,omitempty"`
}

// Open reports whether the session is still attached.
func (s *AgentSession) Open() bool {
	return s.ClosedAt == nil
}

const sessionColumns = `
	id, account_id, agent_id, agent_slug, session_type, COALESCE(task_id, ''),
	generation, session_key, opened_at, closed_at, COALESCE(closed_reason, '')`

func scanSession(scan func(...any) error) (*AgentSession, error) {
	var (
		sess     AgentSession
		closedAt sql.NullTime
	)
	if err := scan(
		&sess.ID, &sess.AccountID, &sess.AgentID, &sess.AgentSlug, &sess.Type,
		&sess.TaskID, &sess.Generation, &sess.SessionKey, &sess.OpenedAt,
		&closedAt, &sess.ClosedReason,
	); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	return &sess, nil
}

// OpenSession returns the unique open session for the scope, or nil when none
// exists. Pure read.
func (s *Store) OpenSession(ctx context.Context, scope SessionScope) (*AgentSession, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM agent_sessions
		WHERE account_id = ? AND session_type = ? AND COALESCE(task_id, '') = ? AND agent_id = ?
			AND closed_at IS NULL;
	`, scope.AccountID, scope.Type, scope.TaskID, scope.AgentID)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select open session: %w", err)
	}
	return sess, nil
}

// EnsureSession returns the open session for the scope, creating the next
// generation when none is open. The read-or-insert runs in one transaction on
// the single write connection; the partial unique index on open scopes rejects
// a second concurrent insert from another process, in which case the loser
// re-reads and returns the winner's row.
func (s *Store) EnsureSession(ctx context.Context, scope SessionScope, agentSlug string) (*AgentSession, bool, error) {
	if err := scope.Validate(); err != nil {
		return nil, false, err
	}
	if err := validateIdentifier("agent_slug", agentSlug); err != nil {
		return nil, false, err
	}

	var (
		result *AgentSession
		isNew  bool
	)
	ensure := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ensure session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+sessionColumns+`
			FROM agent_sessions
			WHERE account_id = ? AND session_type = ? AND COALESCE(task_id, '') = ? AND agent_id = ?
				AND closed_at IS NULL;
		`, scope.AccountID, scope.Type, scope.TaskID, scope.AgentID)
		existing, scanErr := scanSession(row.Scan)
		if scanErr == nil {
			result = existing
			isNew = false
			return tx.Commit()
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("select open session: %w", scanErr)
		}

		var maxGeneration int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(generation), 0)
			FROM agent_sessions
			WHERE account_id = ? AND session_type = ? AND COALESCE(task_id, '') = ? AND agent_id = ?;
		`, scope.AccountID, scope.Type, scope.TaskID, scope.AgentID).Scan(&maxGeneration); err != nil {
			return fmt.Errorf("select max generation: %w", err)
		}

		generation := maxGeneration + 1
		sess := &AgentSession{
			ID:         uuid.NewString(),
			AccountID:  scope.AccountID,
			AgentID:    scope.AgentID,
			AgentSlug:  agentSlug,
			Type:       scope.Type,
			TaskID:     scope.TaskID,
			Generation: generation,
			SessionKey: scope.Key(agentSlug, generation),
			OpenedAt:   time.Now().UTC(),
		}
		var taskID any
		if scope.Type == SessionTypeTask {
			taskID = scope.TaskID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_sessions (
				id, account_id, agent_id, agent_slug, session_type, task_id,
				generation, session_key, opened_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, sess.ID, sess.AccountID, sess.AgentID, sess.AgentSlug, sess.Type,
			taskID, sess.Generation, sess.SessionKey, sess.OpenedAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit ensure session tx: %w", err)
		}
		result = sess
		isNew = true
		return nil
	}

	err := retryOnBusy(ctx, 5, func() error {
		err := ensure()
		if isUniqueViolation(err) {
			// Lost the open-scope race to another writer. Re-read; the
			// winner's session is now the open one for this scope.
			if retryErr := ensure(); retryErr == nil {
				return nil
			}
			return err
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, isNew, nil
}

// CloseSessionsForTask retires every open session bound to the task and
// returns how many rows were closed. Closing zero sessions is not an error.
// Rows for other tasks, other accounts, and system scopes are untouched.
func (s *Store) CloseSessionsForTask(ctx context.Context, accountID, taskID, reason string) (int, error) {
	if err := validateIdentifier("account_id", accountID); err != nil {
		return 0, err
	}
	if err := validateIdentifier("task_id", taskID); err != nil {
		return 0, err
	}
	if reason == "" {
		reason = "task completed"
	}

	var closed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_sessions
			SET closed_at = ?, closed_reason = ?
			WHERE account_id = ? AND task_id = ? AND closed_at IS NULL;
		`, time.Now().UTC(), reason, accountID, taskID)
		if err != nil {
			return fmt.Errorf("close sessions for task: %w", err)
		}
		closed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("count closed sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(closed), nil
}

// SessionsForTask returns all sessions (open and closed) bound to a task,
// newest generation first.
func (s *Store) SessionsForTask(ctx context.Context, accountID, taskID string) ([]AgentSession, error) {
	if err := validateIdentifier("account_id", accountID); err != nil {
		return nil, err
	}
	if err := validateIdentifier("task_id", taskID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM agent_sessions
		WHERE account_id = ? AND task_id = ?
		ORDER BY agent_id ASC, generation DESC;
	`, accountID, taskID)
	if err != nil {
		return nil, fmt.Errorf("query sessions for task: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// OpenSessionsForTerminalTasks returns open task-scoped sessions whose task
// already reached a terminal status. These are sweep targets: the close call
// that should have retired them was missed (typically a crash between the
// status write and the close).
func (s *Store) OpenSessionsForTerminalTasks(ctx context.Context) ([]AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM agent_sessions
		WHERE closed_at IS NULL
			AND task_id IS NOT NULL
			AND EXISTS (
				SELECT 1 FROM tasks
				WHERE tasks.id = agent_sessions.task_id
					AND tasks.account_id = agent_sessions.account_id
					AND tasks.status IN (?, ?)
			);
	`, TaskStatusDone, TaskStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("query orphaned sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orphaned session rows: %w", err)
	}
	return out, nil
}
