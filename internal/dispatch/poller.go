// Package dispatch polls the work queue and hands due items to agent
// processes, labeling each delivery with the runtime session key for its
// scope. Failed deliveries are rescheduled with full-jitter backoff and
// parked as dead letters once the attempt budget runs out.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/backoff"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/bus"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/otel"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/session"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/shared"
)

// Deliverer hands a unit of work to an agent process. Implementations live
// outside this daemon (ACP bridge, webhook, test fake); an error means the
// attempt failed and the poller decides whether to retry.
type Deliverer interface {
	Deliver(ctx context.Context, sessionKey string, item persistence.WorkItem) error
}

// Config holds the poller's dependencies and tuning.
type Config struct {
	Store     *persistence.Store
	Registry  *session.Registry
	Deliverer Deliverer
	Scheduler backoff.Scheduler
	Bus       *bus.Bus      // may be nil
	Metrics   *otel.Metrics // may be nil
	Logger    *slog.Logger

	// PollInterval is the idle sleep between claim sweeps. Default 250ms.
	PollInterval time.Duration
	// MaxAttempts is the delivery budget per item. Default 8.
	MaxAttempts int
}

// Poller drives the claim/deliver loop.
type Poller struct {
	store    *persistence.Store
	registry *session.Registry
	deliver  Deliverer
	sched    backoff.Scheduler
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger

	interval    time.Duration
	maxAttempts int

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Poller from the config, applying defaults.
func New(cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:       cfg.Store,
		registry:    cfg.Registry,
		deliver:     cfg.Deliverer,
		sched:       cfg.Scheduler,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		logger:      logger,
		interval:    cfg.PollInterval,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Start launches the poll loop in a background goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.once.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.wg.Add(1)
		go p.loop(ctx)
		p.logger.Info("dispatch poller started", "interval", p.interval, "max_attempts", p.maxAttempts)
	})
}

// Stop cancels the loop and waits for the in-flight delivery to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("dispatch poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep drains everything currently due, one item at a time. Claim order is
// oldest available first.
func (p *Poller) sweep(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := p.store.ClaimNextWork(ctx)
		if err != nil {
			p.logger.Error("claim work failed", "error", err)
			return
		}
		if item == nil {
			return
		}
		p.Process(ctx, item)
	}
}

// Process delivers one claimed item. Exported so tests and the drain path can
// push a single item through without the loop.
func (p *Poller) Process(ctx context.Context, item *persistence.WorkItem) {
	ctx = shared.WithAccountID(ctx, item.AccountID)
	ctx = shared.WithAgentID(ctx, item.AgentID)
	if item.TaskID != "" {
		ctx = shared.WithTaskID(ctx, item.TaskID)
	}

	sessionKey, _, err := p.registry.EnsureSession(ctx, item.Scope(), item.AgentSlug)
	if err != nil {
		// No session, no delivery. Same retry path as a failed delivery;
		// the registry itself never retries.
		p.retryOrPark(ctx, item, "", err)
		return
	}
	ctx = shared.WithSessionKey(ctx, sessionKey)

	start := time.Now()
	err = p.deliver.Deliver(ctx, sessionKey, *item)
	if p.metrics != nil {
		p.metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		p.retryOrPark(ctx, item, sessionKey, err)
		return
	}

	if err := p.store.MarkWorkDelivered(ctx, item.ID, sessionKey); err != nil {
		p.logger.Error("mark delivered failed", "work_id", item.ID, "error", err)
		return
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicWorkDelivered, bus.WorkDeliveredEvent{
			WorkItemID: item.ID,
			AccountID:  item.AccountID,
			AgentID:    item.AgentID,
			SessionKey: sessionKey,
			Attempt:    item.Attempt,
		})
	}
	p.logger.Debug("work delivered",
		"work_id", item.ID, "session_key", sessionKey, "attempt", item.Attempt)
}

func (p *Poller) retryOrPark(ctx context.Context, item *persistence.WorkItem, sessionKey string, cause error) {
	if item.Attempt >= p.maxAttempts {
		if err := p.store.MarkWorkDeadLetter(ctx, item.ID, cause.Error()); err != nil {
			p.logger.Error("mark dead letter failed", "work_id", item.ID, "error", err)
			return
		}
		if p.metrics != nil {
			p.metrics.DeadLetters.Add(ctx, 1)
		}
		if p.bus != nil {
			p.bus.Publish(bus.TopicWorkDeadLetter, bus.WorkRetryingEvent{
				WorkItemID: item.ID,
				AccountID:  item.AccountID,
				AgentID:    item.AgentID,
				SessionKey: sessionKey,
				Attempt:    item.Attempt,
				Error:      cause.Error(),
			})
		}
		p.logger.Warn("work item dead-lettered",
			"work_id", item.ID, "attempt", item.Attempt, "error", cause)
		return
	}

	delay := p.sched.Delay(item.Attempt)
	if err := p.store.RescheduleWork(ctx, item.ID, delay, cause.Error()); err != nil {
		p.logger.Error("reschedule work failed", "work_id", item.ID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.DeliveryRetries.Add(ctx, 1)
		p.metrics.BackoffDelay.Record(ctx, delay.Seconds())
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicWorkRetrying, bus.WorkRetryingEvent{
			WorkItemID: item.ID,
			AccountID:  item.AccountID,
			AgentID:    item.AgentID,
			SessionKey: sessionKey,
			Attempt:    item.Attempt,
			DelayMs:    delay.Milliseconds(),
			Error:      cause.Error(),
		})
	}
	p.logger.Debug("work delivery rescheduled",
		"work_id", item.ID, "attempt", item.Attempt, "delay", delay, "error", cause)
}
