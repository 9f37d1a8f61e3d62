// Package session binds ephemeral agent executions to durable, versioned
// session records. The registry guarantees at most one open session per scope
// and strictly increasing generations; closed sessions are history, never
// resurrected.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/bus"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/otel"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
)

// Scope aliases the storage scope type so callers outside persistence can
// build scopes without importing the store package directly.
type Scope = persistence.SessionScope

// Session is one generation of runtime attachment.
type Session = persistence.AgentSession

// TaskScope identifies an agent's attachment to one task.
func TaskScope(accountID, taskID, agentID string) Scope {
	return persistence.TaskScope(accountID, taskID, agentID)
}

// SystemScope identifies an agent's account-wide attachment.
func SystemScope(accountID, agentID string) Scope {
	return persistence.SystemScope(accountID, agentID)
}

// Registry serializes session creation per scope and retires sessions when
// their task completes. It is a plain injectable component: construct one per
// process with the store handle, no package-level state.
type Registry struct {
	store   *persistence.Store
	bus     *bus.Bus      // may be nil in tests
	metrics *otel.Metrics // may be nil
	logger  *slog.Logger
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(store *persistence.Store, b *bus.Bus, metrics *otel.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		bus:     b,
		metrics: metrics,
		logger:  logger,
	}
}

// ActiveSession returns the unique open session for the scope, or nil when
// none exists. Pure read: an immediately following EnsureSession on the same
// scope reuses exactly this session.
func (r *Registry) ActiveSession(ctx context.Context, scope Scope) (*Session, error) {
	return r.store.OpenSession(ctx, scope)
}

// EnsureSession returns the session key for the scope, opening the next
// generation when no session is open. isNew reports whether this call created
// the session. Repeated calls while an agent is working are the common path
// and create no churn.
func (r *Registry) EnsureSession(ctx context.Context, scope Scope, agentSlug string) (string, bool, error) {
	start := time.Now()
	sess, isNew, err := r.store.EnsureSession(ctx, scope, agentSlug)
	if err != nil {
		return "", false, err
	}
	if r.metrics != nil {
		r.metrics.EnsureDuration.Record(ctx, time.Since(start).Seconds())
	}

	if isNew {
		if r.metrics != nil {
			r.metrics.SessionsOpened.Add(ctx, 1)
		}
		if r.bus != nil {
			r.bus.Publish(bus.TopicSessionOpened, bus.SessionOpenedEvent{
				AccountID:  sess.AccountID,
				AgentID:    sess.AgentID,
				TaskID:     sess.TaskID,
				SessionKey: sess.SessionKey,
				Generation: sess.Generation,
			})
		}
		r.logger.Info("session opened",
			"account_id", sess.AccountID,
			"agent_id", sess.AgentID,
			"session_key", sess.SessionKey,
			"generation", sess.Generation,
		)
	} else if r.metrics != nil {
		r.metrics.SessionsReused.Add(ctx, 1)
	}
	return sess.SessionKey, isNew, nil
}

// CloseSessionsForTask retires every open session bound to the task and
// returns the number closed. reason defaults to "task completed". Zero open
// sessions is a no-op, not an error.
func (r *Registry) CloseSessionsForTask(ctx context.Context, accountID, taskID, reason string) (int, error) {
	closed, err := r.store.CloseSessionsForTask(ctx, accountID, taskID, reason)
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		if r.metrics != nil {
			r.metrics.SessionsClosed.Add(ctx, int64(closed))
		}
		if r.bus != nil {
			if reason == "" {
				reason = "task completed"
			}
			r.bus.Publish(bus.TopicSessionClosed, bus.SessionClosedEvent{
				AccountID: accountID,
				TaskID:    taskID,
				Reason:    reason,
				Closed:    closed,
			})
		}
		r.logger.Info("sessions closed",
			"account_id", accountID,
			"task_id", taskID,
			"closed", closed,
		)
	}
	return closed, nil
}

// SessionsForTask lists a task's session history, newest generation first per
// agent. Ops surface for the dashboard's activity feed.
func (r *Registry) SessionsForTask(ctx context.Context, accountID, taskID string) ([]Session, error) {
	return r.store.SessionsForTask(ctx, accountID, taskID)
}
