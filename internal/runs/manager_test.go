package runs

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/strand/internal/cancel"
	"github.com/haasonsaas/strand/pkg/models"
)

func setupManager(t *testing.T) (*Manager, *MemoryStore, *cancel.Registry) {
	t.Helper()
	store := NewMemoryStore()
	flags := cancel.NewRegistry()
	return NewManager(store, flags, nil, nil), store, flags
}

func TestManagerCreate(t *testing.T) {
	m, store, flags := setupManager(t)
	ctx := context.Background()

	run, err := m.Create(ctx, "agent-1", &models.StreamRequest{MaxSteps: 3}, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run id not assigned")
	}
	if run.Status != models.RunCreated {
		t.Errorf("expected status created, got %s", run.Status)
	}
	if !run.Background {
		t.Error("background flag lost")
	}

	stored, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if stored.Request == nil || stored.Request.MaxSteps != 3 {
		t.Errorf("request not persisted: %+v", stored.Request)
	}

	flag := flags.Get(run.ID)
	if flag == nil {
		t.Fatal("cancellation flag not registered")
	}
	if flag.IsSet() {
		t.Error("fresh flag already set")
	}
}

func TestManagerStart(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	run, err := m.Create(ctx, "agent-1", nil, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	started, err := m.Start(ctx, run.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if started.Status != models.RunRunning {
		t.Errorf("expected running, got %s", started.Status)
	}

	if _, err := m.Start(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerFinishMapping(t *testing.T) {
	tests := []struct {
		name       string
		stop       models.StopReason
		runErr     *models.RunError
		wantStatus models.RunStatus
	}{
		{name: "end turn", stop: models.StopEndTurn, wantStatus: models.RunCompleted},
		{name: "max steps", stop: models.StopMaxSteps, wantStatus: models.RunCompleted},
		{name: "cancelled", stop: models.StopCancelled, wantStatus: models.RunCancelled},
		{
			name:       "llm api error",
			stop:       models.StopLLMAPIError,
			runErr:     &models.RunError{Type: models.ErrLLMRateLimit, Message: "rate limited"},
			wantStatus: models.RunFailed,
		},
		{
			name:       "internal error",
			stop:       models.StopError,
			runErr:     &models.RunError{Type: models.ErrInternal, Message: "boom"},
			wantStatus: models.RunFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, flags := setupManager(t)
			ctx := context.Background()

			run, err := m.Create(ctx, "agent-1", nil, false)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if _, err := m.Start(ctx, run.ID); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			finished, err := m.Finish(ctx, run.ID, tt.stop, tt.runErr)
			if err != nil {
				t.Fatalf("Finish failed: %v", err)
			}
			if finished.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, finished.Status)
			}
			if finished.StopReason != tt.stop {
				t.Errorf("expected stop reason %s, got %s", tt.stop, finished.StopReason)
			}
			if tt.runErr != nil && (finished.Error == nil || finished.Error.Type != tt.runErr.Type) {
				t.Errorf("run error not recorded: %+v", finished.Error)
			}
			if flags.Get(run.ID) != nil {
				t.Error("cancellation flag not released after finish")
			}
		})
	}
}

func TestManagerCancelBeforeStart(t *testing.T) {
	m, _, flags := setupManager(t)
	ctx := context.Background()

	run, err := m.Create(ctx, "agent-1", nil, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	cancelled, err := m.Cancel(ctx, run.ID, "user requested")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != models.RunCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.StopReason != models.StopCancelled {
		t.Errorf("expected stop reason cancelled, got %s", cancelled.StopReason)
	}

	flag := flags.Get(run.ID)
	if flag == nil || !flag.IsSet() {
		t.Error("cancellation flag not raised")
	}
	if flag.Reason() != "user requested" {
		t.Errorf("expected flag reason to carry through, got %q", flag.Reason())
	}
}

func TestManagerCancelWhileRunning(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	run, err := m.Create(ctx, "agent-1", nil, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Start(ctx, run.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	observed, err := m.Cancel(ctx, run.ID, "timeout")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	// A running run keeps its status; the loop observes the flag and
	// finalizes on its own.
	if observed.Status != models.RunRunning {
		t.Errorf("expected running, got %s", observed.Status)
	}
	if !m.Flag(run.ID).IsSet() {
		t.Error("cancellation flag not raised")
	}

	cancelled, err := m.Cancelled(ctx, run.ID)
	if err != nil {
		t.Fatalf("Cancelled failed: %v", err)
	}
	if !cancelled {
		t.Error("Cancelled did not observe the raised flag")
	}

	finished, err := m.Finish(ctx, run.ID, models.StopCancelled, nil)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if finished.Status != models.RunCancelled {
		t.Errorf("expected cancelled, got %s", finished.Status)
	}
}

func TestManagerCancelTerminal(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	run, err := m.Create(ctx, "agent-1", nil, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Start(ctx, run.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Finish(ctx, run.ID, models.StopEndTurn, nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	// Cancelling a finished run is a no-op, not an error.
	observed, err := m.Cancel(ctx, run.ID, "late")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if observed.Status != models.RunCompleted {
		t.Errorf("expected completed, got %s", observed.Status)
	}

	cancelled, err := m.Cancelled(ctx, run.ID)
	if err != nil {
		t.Fatalf("Cancelled failed: %v", err)
	}
	if cancelled {
		t.Error("completed run reported as cancelled")
	}
}

func TestManagerCancelNotFound(t *testing.T) {
	m, _, _ := setupManager(t)

	_, err := m.Cancel(context.Background(), "missing", "reason")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerCancelledStoreFallback(t *testing.T) {
	m, store, _ := setupManager(t)
	ctx := context.Background()

	// A run cancelled by another process: no local flag, terminal status in
	// the store.
	run := newTestRun("run-remote", "agent-1", models.RunCancelled)
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	cancelled, err := m.Cancelled(ctx, "run-remote")
	if err != nil {
		t.Fatalf("Cancelled failed: %v", err)
	}
	if !cancelled {
		t.Error("store-side cancellation not observed")
	}
}
