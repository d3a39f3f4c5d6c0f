package runs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/cancel"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// Manager owns the run lifecycle: creation, the status state machine, and
// the per-run cancellation flags. The dispatcher drives it on the happy
// path; the cancel endpoint and timeout timers reach it out of band.
type Manager struct {
	store   Store
	flags   *cancel.Registry
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewManager creates a manager over a store.
func NewManager(store Store, flags *cancel.Registry, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if flags == nil {
		flags = cancel.NewRegistry()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Manager{store: store, flags: flags, logger: logger, metrics: metrics}
}

// Store exposes the underlying store for read-side handlers.
func (m *Manager) Store() Store {
	return m.store
}

// Create records a new run in status created and registers its cancellation
// flag.
func (m *Manager) Create(ctx context.Context, agentID string, req *models.StreamRequest, background bool) (*models.Run, error) {
	now := time.Now().UTC()
	run := &models.Run{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Status:     models.RunCreated,
		Background: background,
		Request:    req,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Create(ctx, run); err != nil {
		return nil, err
	}
	m.flags.Register(run.ID)
	m.logger.Info(ctx, "run created", "run_id", run.ID, "agent_id", agentID, "background", background)
	return run, nil
}

// Start moves a run from created to running.
func (m *Manager) Start(ctx context.Context, runID string) (*models.Run, error) {
	run, err := m.store.UpdateStatusCAS(ctx, runID, models.RunRunning, nil)
	if err != nil {
		return nil, err
	}
	m.metrics.RunStarted()
	return run, nil
}

// Finish records the run's terminal status from the loop's stop reason:
// cancelled maps to cancelled, an error result to failed, everything else to
// completed. The cancellation flag is released afterwards.
func (m *Manager) Finish(ctx context.Context, runID string, stop models.StopReason, runErr *models.RunError) (*models.Run, error) {
	status := models.RunCompleted
	switch {
	case stop == models.StopCancelled:
		status = models.RunCancelled
	case runErr != nil:
		status = models.RunFailed
	}

	run, err := m.store.UpdateStatusCAS(ctx, runID, status, func(r *models.Run) {
		r.StopReason = stop
		r.Error = runErr
	})
	if err != nil {
		return nil, err
	}

	m.flags.Release(runID)
	m.metrics.RunFinished(string(status), string(stop), 0)
	m.logger.Info(ctx, "run finished",
		"run_id", runID, "status", status, "stop_reason", stop)
	return run, nil
}

// Cancel requests cancellation of a run. The status moves to cancelled when
// the run has not started yet; a running run keeps its status and the raised
// flag lets the loop terminate itself and record the final state. Returns
// the run as observed after the request.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	run, err := m.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	m.flags.Cancel(runID, reason)

	if run.Status == models.RunCreated {
		updated, err := m.store.UpdateStatusCAS(ctx, runID, models.RunCancelled, func(r *models.Run) {
			r.StopReason = models.StopCancelled
		})
		if err == nil {
			m.logger.Info(ctx, "run cancelled before start", "run_id", runID, "reason", reason)
			return updated, nil
		}
		// The loop won the race and moved the run to running; fall through
		// and let the flag do its work.
	}

	m.logger.Info(ctx, "run cancellation requested", "run_id", runID, "reason", reason)
	return m.store.Get(ctx, runID)
}

// Get returns a run by id.
func (m *Manager) Get(ctx context.Context, runID string) (*models.Run, error) {
	return m.store.Get(ctx, runID)
}

// ListByAgent returns an agent's runs, newest first.
func (m *Manager) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Run, error) {
	return m.store.ListByAgent(ctx, agentID, limit)
}

// Flag returns the cancellation flag for a run, registering one if needed.
func (m *Manager) Flag(runID string) *cancel.Flag {
	if flag := m.flags.Get(runID); flag != nil {
		return flag
	}
	return m.flags.Register(runID)
}

// Cancelled reports whether a run has been cancelled, checking the local
// flag first and falling back to the store so out-of-process cancellations
// are observed too.
func (m *Manager) Cancelled(ctx context.Context, runID string) (bool, error) {
	if flag := m.flags.Get(runID); flag != nil && flag.IsSet() {
		return true, nil
	}
	run, err := m.store.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status == models.RunCancelled, nil
}
