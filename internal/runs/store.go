// Package runs persists run records and owns the run status state machine.
// Every status write goes through a compare-and-set so concurrent writers
// (the finalizer, the cancel endpoint, timeout timers) cannot corrupt the
// lifecycle.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

var (
	// ErrNotFound is returned when a run id is unknown.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a status write violates the
	// created -> running -> {completed, cancelled, failed} state machine.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrConflict is returned when a compare-and-set loses a race and the
	// transition is still legal from the new current status. Callers may
	// retry.
	ErrConflict = errors.New("concurrent run status update")
)

// Store persists run records.
type Store interface {
	// Create stores a new run.
	Create(ctx context.Context, run *models.Run) error

	// Get returns a run by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Run, error)

	// UpdateStatusCAS moves a run to next after validating the transition
	// from its current stored status. The mutate callback, if non-nil, edits
	// terminal metadata (stop reason, error) on the run under the same
	// compare-and-set scope. Returns the updated run.
	UpdateStatusCAS(ctx context.Context, id string, next models.RunStatus, mutate func(*models.Run)) (*models.Run, error)

	// UpdateMetadata replaces a run's metadata map without touching status.
	UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error

	// ListByAgent returns an agent's runs, newest first.
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Run, error)

	// Prune removes terminal runs older than the given duration. Returns
	// the number of pruned runs.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases the store's resources.
	Close() error
}

// MemoryStore keeps runs in memory. Used by tests and single-process
// deployments without durability requirements.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
	keys []string
}

// NewMemoryStore returns a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*models.Run)}
}

// Create stores a run.
func (s *MemoryStore) Create(ctx context.Context, run *models.Run) error {
	if run == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.keys = append(s.keys, run.ID)
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Get returns a run by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

// UpdateStatusCAS validates and applies a status transition.
func (s *MemoryStore) UpdateStatusCAS(ctx context.Context, id string, next models.RunStatus, mutate func(*models.Run)) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !run.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, next)
	}

	updated := cloneRun(run)
	if mutate != nil {
		mutate(updated)
	}
	// Status is owned by the state machine, not the callback.
	updated.Status = next
	updated.UpdatedAt = time.Now().UTC()
	s.runs[id] = updated
	return cloneRun(updated), nil
}

// UpdateMetadata replaces a run's metadata map.
func (s *MemoryStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	updated := cloneRun(run)
	updated.Metadata = cloneMetadata(metadata)
	updated.UpdatedAt = time.Now().UTC()
	s.runs[id] = updated
	return nil
}

// ListByAgent returns an agent's runs, newest first.
func (s *MemoryStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Run
	for i := len(s.keys) - 1; i >= 0; i-- {
		run, ok := s.runs[s.keys[i]]
		if !ok || run.AgentID != agentID {
			continue
		}
		result = append(result, cloneRun(run))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Prune removes terminal runs older than the given duration.
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	var kept []string
	for _, id := range s.keys {
		run, ok := s.runs[id]
		if !ok {
			continue
		}
		if run.Status.Terminal() && run.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			pruned++
		} else {
			kept = append(kept, id)
		}
	}
	s.keys = kept
	return pruned, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneRun(run *models.Run) *models.Run {
	if run == nil {
		return nil
	}
	clone := *run
	if run.Request != nil {
		request := *run.Request
		clone.Request = &request
	}
	if run.Error != nil {
		runErr := *run.Error
		clone.Error = &runErr
	}
	clone.Metadata = cloneMetadata(run.Metadata)
	return &clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
