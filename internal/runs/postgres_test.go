package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/strand/pkg/models"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}

	store := &PostgresStore{db: db}
	return db, mock, store
}

var runColumns = []string{
	"id", "agent_id", "status", "background", "request", "stop_reason",
	"error", "metadata", "created_at", "updated_at",
}

func runRow(id, agentID, status string, stopReason sql.NullString, errorJSON []byte) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(runColumns).AddRow(
		id, agentID, status, false, nil, stopReason, errorJSON, nil, now, now,
	)
}

func TestNewPostgresStoreFromDSNEmpty(t *testing.T) {
	_, err := NewPostgresStoreFromDSN("", nil)
	if err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if !strings.Contains(err.Error(), "dsn is required") {
		t.Errorf("expected dsn error, got %v", err)
	}
}

func TestPostgresStoreCreate(t *testing.T) {
	tests := []struct {
		name        string
		run         *models.Run
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful create",
			run:  newTestRun("run-1", "agent-1", models.RunCreated),
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO runs").
					WithArgs(
						"run-1",
						"agent-1",
						"created",
						false,
						sqlmock.AnyArg(), // request
						sqlmock.AnyArg(), // stop_reason
						sqlmock.AnyArg(), // error
						sqlmock.AnyArg(), // metadata
						sqlmock.AnyArg(), // created_at
						sqlmock.AnyArg(), // updated_at
					).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
			wantErr: false,
		},
		{
			name: "nil run returns nil",
			run:  nil,
			setupMock: func(mock sqlmock.Sqlmock) {
				// No expectations
			},
			wantErr: false,
		},
		{
			name: "database error",
			run:  newTestRun("run-1", "agent-1", models.RunCreated),
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO runs").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "create run",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			tt.setupMock(mock)

			err := store.Create(context.Background(), tt.run)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				if tt.errContains != "" && err != nil && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStoreGet(t *testing.T) {
	runErr := &models.RunError{Type: models.ErrLLMRateLimit, Message: "rate limited"}
	errorJSON, _ := json.Marshal(runErr)

	tests := []struct {
		name       string
		id         string
		setupMock  func(sqlmock.Sqlmock)
		wantStatus models.RunStatus
		wantStop   models.StopReason
		wantError  bool
		wantErr    error
	}{
		{
			name: "successful get",
			id:   "run-1",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-1").
					WillReturnRows(runRow("run-1", "agent-1", "running", sql.NullString{}, nil))
			},
			wantStatus: models.RunRunning,
		},
		{
			name: "failed run with error columns",
			id:   "run-2",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-2").
					WillReturnRows(runRow("run-2", "agent-1", "failed",
						sql.NullString{String: "llm_api_error", Valid: true}, errorJSON))
			},
			wantStatus: models.RunFailed,
			wantStop:   models.StopLLMAPIError,
			wantError:  true,
		},
		{
			name: "not found",
			id:   "missing",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("missing").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			tt.setupMock(mock)

			run, err := store.Get(context.Background(), tt.id)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if run.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, run.Status)
			}
			if run.StopReason != tt.wantStop {
				t.Errorf("expected stop reason %q, got %q", tt.wantStop, run.StopReason)
			}
			if tt.wantError {
				if run.Error == nil || run.Error.Type != models.ErrLLMRateLimit {
					t.Errorf("run error not decoded: %+v", run.Error)
				}
			} else if run.Error != nil {
				t.Errorf("unexpected run error: %+v", run.Error)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStoreUpdateStatusCAS(t *testing.T) {
	tests := []struct {
		name      string
		next      models.RunStatus
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "successful transition",
			next: models.RunRunning,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-1").
					WillReturnRows(runRow("run-1", "agent-1", "created", sql.NullString{}, nil))
				mock.ExpectExec("UPDATE runs").
					WithArgs("run-1", "created", "running",
						sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "illegal transition rejected before write",
			next: models.RunRunning,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-1").
					WillReturnRows(runRow("run-1", "agent-1", "completed", sql.NullString{}, nil))
				// No UPDATE expected.
			},
			wantErr: ErrInvalidTransition,
		},
		{
			name: "lost race against a still-legal transition",
			next: models.RunRunning,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-1").
					WillReturnRows(runRow("run-1", "agent-1", "created", sql.NullString{}, nil))
				mock.ExpectExec("UPDATE runs").
					WillReturnResult(sqlmock.NewResult(0, 0))
				// Another writer already moved the run to running; the
				// identity write is still legal, so the caller may retry.
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-1").
					WillReturnRows(runRow("run-1", "agent-1", "running", sql.NullString{}, nil))
			},
			wantErr: ErrConflict,
		},
		{
			name: "lost race against a terminal write",
			next: models.RunCancelled,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-1").
					WillReturnRows(runRow("run-1", "agent-1", "running", sql.NullString{}, nil))
				mock.ExpectExec("UPDATE runs").
					WillReturnResult(sqlmock.NewResult(0, 0))
				// The finalizer completed the run first; cancelling is no
				// longer legal.
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-1").
					WillReturnRows(runRow("run-1", "agent-1", "completed", sql.NullString{}, nil))
			},
			wantErr: ErrInvalidTransition,
		},
		{
			name: "not found",
			next: models.RunRunning,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .* FROM runs WHERE id").
					WithArgs("run-1").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			tt.setupMock(mock)

			run, err := store.UpdateStatusCAS(context.Background(), "run-1", tt.next, nil)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if run.Status != tt.next {
					t.Errorf("expected status %s, got %s", tt.next, run.Status)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStoreUpdateMetadata(t *testing.T) {
	t.Run("successful update", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("UPDATE runs SET metadata").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.UpdateMetadata(context.Background(), "run-1", map[string]any{"steps": 2}); err != nil {
			t.Fatalf("UpdateMetadata failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("UPDATE runs SET metadata").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.UpdateMetadata(context.Background(), "missing", nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPostgresStoreListByAgent(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(runColumns).
		AddRow("run-2", "agent-1", "running", false, nil, sql.NullString{}, nil, nil, now, now).
		AddRow("run-1", "agent-1", "completed", false, nil,
			sql.NullString{String: "end_turn", Valid: true}, nil, nil, now.Add(-time.Minute), now)

	mock.ExpectQuery("SELECT .* FROM runs WHERE agent_id .* LIMIT").
		WithArgs("agent-1", 10).
		WillReturnRows(rows)

	runs, err := store.ListByAgent(context.Background(), "agent-1", 10)
	if err != nil {
		t.Fatalf("ListByAgent failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("unexpected order: %s, %s", runs[0].ID, runs[1].ID)
	}
	if runs[1].StopReason != models.StopEndTurn {
		t.Errorf("stop reason not decoded: %q", runs[1].StopReason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStorePrune(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM runs").
		WillReturnResult(sqlmock.NewResult(0, 3))

	pruned, err := store.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 3 {
		t.Errorf("expected 3 pruned runs, got %d", pruned)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
