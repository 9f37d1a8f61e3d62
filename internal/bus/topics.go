package bus

// Session lifecycle topics.
const (
	TopicSessionOpened = "session.opened"
	TopicSessionClosed = "session.closed"
)

// Work dispatch topics.
const (
	TopicWorkDelivered  = "work.delivered"
	TopicWorkRetrying   = "work.retrying"
	TopicWorkDeadLetter = "work.dead_letter"
)

// Task lifecycle topics.
const (
	TopicTaskStatusChanged = "task.status_changed"
)

// SessionOpenedEvent is published when the registry opens a new session
// generation for a scope.
type SessionOpenedEvent struct {
	AccountID  string
	AgentID    string
	TaskID     string // empty for system-scoped sessions
	SessionKey string
	Generation int
}

// SessionClosedEvent is published once per bulk close, not per row.
type SessionClosedEvent struct {
	AccountID string
	TaskID    string
	Reason    string
	Closed    int
}

// WorkRetryingEvent is published when a delivery attempt fails and the item
// is rescheduled with backoff.
type WorkRetryingEvent struct {
	WorkItemID string
	AccountID  string
	AgentID    string
	SessionKey string
	Attempt    int
	DelayMs    int64
	Error      string
}

// WorkDeliveredEvent is published when a work item reaches the agent process.
type WorkDeliveredEvent struct {
	WorkItemID string
	AccountID  string
	AgentID    string
	SessionKey string
	Attempt    int
}

// TaskStatusChangedEvent is published on every accepted task transition.
type TaskStatusChangedEvent struct {
	AccountID string
	TaskID    string
	OldStatus string
	NewStatus string
}
