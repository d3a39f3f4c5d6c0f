package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/strand/pkg/models"
)

// PostgresConfig holds connection pool settings for the Postgres store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns the default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens a Postgres-backed run store and verifies
// connectivity.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate creates the runs table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			background BOOLEAN NOT NULL DEFAULT FALSE,
			request JSONB,
			stop_reason TEXT,
			error JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent_created ON runs (agent_id, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("create runs index: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create stores a run.
func (s *PostgresStore) Create(ctx context.Context, run *models.Run) error {
	if run == nil {
		return nil
	}
	requestJSON, errorJSON, metadataJSON, err := marshalRunColumns(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, agent_id, status, background, request, stop_reason, error, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
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
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, status, background, request, stop_reason, error, metadata, created_at, updated_at
		FROM runs WHERE id = $1
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

// UpdateStatusCAS validates the transition against the stored status and
// applies it with an optimistic conditional write. A lost race re-reads the
// row: if the transition is no longer legal the caller gets
// ErrInvalidTransition, otherwise ErrConflict.
func (s *PostgresStore) UpdateStatusCAS(ctx context.Context, id string, next models.RunStatus, mutate func(*models.Run)) (*models.Run, error) {
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
		SET status = $3, stop_reason = $4, error = $5, metadata = $6, updated_at = $7
		WHERE id = $1 AND status = $2
	`,
		id,
		string(current.Status),
		string(updated.Status),
		nullableString(string(updated.StopReason)),
		errorJSON,
		metadataJSON,
		updated.UpdatedAt,
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
func (s *PostgresStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	metadataJSON, err := marshalJSONColumn(metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET metadata = $2, updated_at = $3 WHERE id = $1`,
		id, metadataJSON, time.Now().UTC())
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
func (s *PostgresStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Run, error) {
	query := `
		SELECT id, agent_id, status, background, request, stop_reason, error, metadata, created_at, updated_at
		FROM runs
		WHERE agent_id = $1
		ORDER BY created_at DESC`
	args := []any{agentID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
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
func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ('completed','cancelled','failed') AND created_at < $1
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

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (*models.Run, error) {
	var (
		run           models.Run
		status        string
		requestBytes  []byte
		stopReason    sql.NullString
		errorBytes    []byte
		metadataBytes []byte
	)
	if err := scanner.Scan(
		&run.ID,
		&run.AgentID,
		&status,
		&run.Background,
		&requestBytes,
		&stopReason,
		&errorBytes,
		&metadataBytes,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if stopReason.Valid {
		run.StopReason = models.StopReason(stopReason.String)
	}
	if len(requestBytes) > 0 {
		var request models.StreamRequest
		if err := json.Unmarshal(requestBytes, &request); err != nil {
			return nil, fmt.Errorf("unmarshal run request: %w", err)
		}
		run.Request = &request
	}
	if len(errorBytes) > 0 {
		var runErr models.RunError
		if err := json.Unmarshal(errorBytes, &runErr); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
		run.Error = &runErr
	}
	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &run.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
	}
	return &run, nil
}

func marshalRunColumns(run *models.Run) (request, runErr, metadata []byte, err error) {
	if run.Request != nil {
		request, err = json.Marshal(run.Request)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal run request: %w", err)
		}
	}
	if run.Error != nil {
		runErr, err = json.Marshal(run.Error)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal run error: %w", err)
		}
	}
	metadata, err = marshalJSONColumn(run.Metadata)
	if err != nil {
		return nil, nil, nil, err
	}
	return request, runErr, metadata, nil
}

func marshalJSONColumn(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	out, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal run metadata: %w", err)
	}
	return out, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
