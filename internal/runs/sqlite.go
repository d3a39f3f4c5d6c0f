package runs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/strand/pkg/models"
)

// SQLiteStore implements Store on a local SQLite database. It shares the
// optimistic compare-and-set discipline with the Postgres store; SQLite's
// single-writer model makes the conditional update race-free in practice.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed run store at path. An
// empty path selects an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases from
	// being re-created per pooled connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			background INTEGER NOT NULL DEFAULT 0,
			request TEXT,
			stop_reason TEXT,
			error TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	_, err = s.db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_runs_agent_created ON runs (agent_id, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("create runs index: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create stores a run.
func (s *SQLiteStore) Create(ctx context.Context, run *models.Run) error {
	if run == nil {
		return nil
	}
	requestJSON, errorJSON, metadataJSON, err := marshalRunColumns(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, agent_id, status, background, request, stop_reason, error, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`,
		run.ID,
		run.AgentID,
		string(run.Status),
		run.Background,
		requestJSON,
		nullableString(string(run.StopReason)),
		errorJSON,
		metadataJSON,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Get returns a run by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, status, background, request, stop_reason, error, metadata, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// UpdateStatusCAS validates and applies a status transition with a
// conditional write on the previously observed status.
func (s *SQLiteStore) UpdateStatusCAS(ctx context.Context, id string, next models.RunStatus, mutate func(*models.Run)) (*models.Run, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}

	updated := cloneRun(current)
	if mutate != nil {
		mutate(updated)
	}
	updated.Status = next
	updated.UpdatedAt = time.Now().UTC()

	_, errorJSON, metadataJSON, err := marshalRunColumns(updated)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, stop_reason = ?, error = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(updated.Status),
		nullableString(string(updated.StopReason)),
		errorJSON,
		metadataJSON,
		updated.UpdatedAt,
		id,
		string(current.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	if affected == 0 {
		latest, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !latest.Status.CanTransition(next) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, latest.Status, next)
		}
		return nil, fmt.Errorf("%w: run %s", ErrConflict, id)
	}
	return updated, nil
}

// UpdateMetadata replaces a run's metadata map.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	metadataJSON, err := marshalJSONColumn(metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET metadata = ?, updated_at = ? WHERE id = ?`,
		metadataJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update run metadata: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run metadata: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByAgent returns an agent's runs, newest first.
func (s *SQLiteStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Run, error) {
	query := `
		SELECT id, agent_id, status, background, request, stop_reason, error, metadata, created_at, updated_at
		FROM runs
		WHERE agent_id = ?
		ORDER BY created_at DESC`
	args := []any{agentID}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT ?"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return result, nil
}

// Prune removes terminal runs older than the given duration.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ('completed','cancelled','failed') AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return affected, nil
}
