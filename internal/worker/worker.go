// Package worker consumes job-run triggers from the EventBus and drives
// the validation orchestrator. Triggers are fire-and-forget: a failed run
// is logged and the job marked failed, the publisher is never answered.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/opensource-rcm/kestrel/internal/domain"
	"github.com/opensource-rcm/kestrel/internal/validate"
)

// Worker runs validation jobs asynchronously from the EventBus.
type Worker struct {
	bus          domain.EventBus
	repo         domain.Repository
	orchestrator *validate.Orchestrator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via the
	// global subscription).
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, orchestrator *validate.Orchestrator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:          bus,
		repo:         repo,
		orchestrator: orchestrator,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing job-run triggers for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants. The bus
// routes every tenant's triggers to the global subscription.
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.GlobalTenantID, domain.TopicJobRun, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicJobRun, func(ctx context.Context, msg *domain.Message) error {
		return w.runJob(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicJobRun,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.runJob(ctx, msg.TenantID, msg)
}

// runJob parses a trigger and hands it to the orchestrator. A run failure
// marks the job failed; the orchestrator's own no-op cases (unknown job,
// duplicate trigger) return nil and leave no trace here.
func (w *Worker) runJob(ctx context.Context, tenantID string, msg *domain.Message) error {
	var run domain.JobRunMessage
	if err := json.Unmarshal(msg.Payload, &run); err != nil {
		slog.Error("failed to parse job run message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if run.TenantID != "" {
		tenantID = run.TenantID
	}

	slog.Debug("running validation job",
		"job_id", run.JobID,
		"tenant_id", tenantID,
		"trace_id", run.TraceID,
	)

	if err := w.orchestrator.RunJob(ctx, tenantID, run.JobID); err != nil {
		slog.Error("validation job failed",
			"job_id", run.JobID,
			"tenant_id", tenantID,
			"error", err,
		)
		if w.repo != nil {
			if uerr := w.repo.UpdateJobStatus(ctx, tenantID, run.JobID, domain.JobFailed); uerr != nil {
				slog.Error("failed to mark job failed",
					"job_id", run.JobID,
					"error", uerr,
				)
			}
		}
		return err
	}

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
