package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

func newTestRun(id, agentID string, status models.RunStatus) *models.Run {
	now := time.Now().UTC()
	return &models.Run{
		ID:        id,
		AgentID:   agentID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	run := newTestRun("run-1", "agent-1", models.RunCreated)
	run.Request = &models.StreamRequest{MaxSteps: 5}
	run.Metadata = map[string]any{"source": "api"}

	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", got.AgentID)
	}
	if got.Status != models.RunCreated {
		t.Errorf("expected status created, got %s", got.Status)
	}
	if got.Request == nil || got.Request.MaxSteps != 5 {
		t.Errorf("request not preserved: %+v", got.Request)
	}
	if got.Metadata["source"] != "api" {
		t.Errorf("metadata not preserved: %+v", got.Metadata)
	}

	// The returned run is a copy; mutating it must not touch the store.
	got.AgentID = "mutated"
	again, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.AgentID != "agent-1" {
		t.Error("store returned a shared run instance")
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRun("run-1", "agent-1", models.RunCreated)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, newTestRun("run-1", "agent-2", models.RunCreated)); err == nil {
		t.Error("expected error on duplicate id, got nil")
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusCASTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    models.RunStatus
		to      models.RunStatus
		wantErr bool
	}{
		{name: "created to running", from: models.RunCreated, to: models.RunRunning},
		{name: "created to cancelled", from: models.RunCreated, to: models.RunCancelled},
		{name: "created to failed", from: models.RunCreated, to: models.RunFailed},
		{name: "running to completed", from: models.RunRunning, to: models.RunCompleted},
		{name: "running to cancelled", from: models.RunRunning, to: models.RunCancelled},
		{name: "running to failed", from: models.RunRunning, to: models.RunFailed},
		{name: "identity write on running", from: models.RunRunning, to: models.RunRunning},
		{name: "identity write on completed", from: models.RunCompleted, to: models.RunCompleted},
		{name: "created to completed skips running", from: models.RunCreated, to: models.RunCompleted, wantErr: true},
		{name: "completed to running", from: models.RunCompleted, to: models.RunRunning, wantErr: true},
		{name: "cancelled to completed", from: models.RunCancelled, to: models.RunCompleted, wantErr: true},
		{name: "failed to cancelled", from: models.RunFailed, to: models.RunCancelled, wantErr: true},
		{name: "running to created", from: models.RunRunning, to: models.RunCreated, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			ctx := context.Background()
			if err := store.Create(ctx, newTestRun("run-1", "agent-1", tt.from)); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			updated, err := store.UpdateStatusCAS(ctx, "run-1", tt.to, nil)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				got, _ := store.Get(ctx, "run-1")
				if got.Status != tt.from {
					t.Errorf("rejected write changed status to %s", got.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateStatusCAS failed: %v", err)
			}
			if updated.Status != tt.to {
				t.Errorf("expected status %s, got %s", tt.to, updated.Status)
			}
		})
	}
}

func TestUpdateStatusCASMutate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "agent-1", models.RunRunning)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := store.UpdateStatusCAS(ctx, "run-1", models.RunFailed, func(r *models.Run) {
		r.StopReason = models.StopError
		r.Error = &models.RunError{Type: models.ErrInternal, Message: "boom"}
		// The callback must not be able to pick its own status.
		r.Status = models.RunCompleted
	})
	if err != nil {
		t.Fatalf("UpdateStatusCAS failed: %v", err)
	}
	if updated.Status != models.RunFailed {
		t.Errorf("mutate callback overrode status: %s", updated.Status)
	}
	if updated.StopReason != models.StopError {
		t.Errorf("expected stop reason error, got %s", updated.StopReason)
	}
	if updated.Error == nil || updated.Error.Message != "boom" {
		t.Errorf("run error not recorded: %+v", updated.Error)
	}

	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.RunFailed || got.Error == nil {
		t.Errorf("terminal state not persisted: %+v", got)
	}
}

func TestUpdateStatusCASNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.UpdateStatusCAS(context.Background(), "missing", models.RunRunning, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateMetadata(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "agent-1", models.RunRunning)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.UpdateMetadata(ctx, "run-1", map[string]any{"steps": 3}); err != nil {
		t.Fatalf("UpdateMetadata failed: %v", err)
	}

	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Metadata["steps"] != 3 {
		t.Errorf("metadata not updated: %+v", got.Metadata)
	}
	if got.Status != models.RunRunning {
		t.Errorf("metadata write changed status to %s", got.Status)
	}

	if err := store.UpdateMetadata(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListByAgent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := store.Create(ctx, newTestRun(id, "agent-1", models.RunCreated)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := store.Create(ctx, newTestRun("run-other", "agent-2", models.RunCreated)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	runs, err := store.ListByAgent(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("ListByAgent failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	// Newest first.
	if runs[0].ID != "run-3" || runs[2].ID != "run-1" {
		t.Errorf("unexpected order: %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	limited, err := store.ListByAgent(ctx, "agent-1", 2)
	if err != nil {
		t.Fatalf("ListByAgent failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "run-3" {
		t.Errorf("limit not applied: %d runs", len(limited))
	}

	empty, err := store.ListByAgent(ctx, "agent-none", 0)
	if err != nil {
		t.Fatalf("ListByAgent failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no runs, got %d", len(empty))
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := newTestRun("run-old", "agent-1", models.RunCompleted)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Old but still running: prune must leave it alone.
	active := newTestRun("run-active", "agent-1", models.RunRunning)
	active.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := store.Create(ctx, active); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	recent := newTestRun("run-recent", "agent-1", models.RunFailed)
	if err := store.Create(ctx, recent); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	pruned, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned run, got %d", pruned)
	}
	if _, err := store.Get(ctx, "run-old"); !errors.Is(err, ErrNotFound) {
		t.Error("old terminal run still present")
	}
	if _, err := store.Get(ctx, "run-active"); err != nil {
		t.Error("active run was pruned")
	}
	if _, err := store.Get(ctx, "run-recent"); err != nil {
		t.Error("recent terminal run was pruned")
	}
}
