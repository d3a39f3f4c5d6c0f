package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ProviderTrace is one captured LLM request/response pair. Traces are only
// recorded when telemetry is enabled and both StepID and Actor are present.
type ProviderTrace struct {
	RunID     string
	StepID    string
	Actor     string
	Provider  string
	Model     string
	Request   json.RawMessage
	Response  json.RawMessage
	CreatedAt time.Time
}

// Telemetry is the fire-and-forget provider-trace sink. Records are handed
// off through a bounded buffer to a single writer goroutine; a full buffer
// drops the record and bumps a counter rather than blocking the step loop.
type Telemetry struct {
	db      *sql.DB
	buf     chan *ProviderTrace
	metrics *Metrics
	logger  *Logger

	closeOnce sync.Once
	done      chan struct{}
}

const telemetrySchema = `
CREATE TABLE IF NOT EXISTS provider_traces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	request_json TEXT,
	response_json TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_provider_traces_run ON provider_traces(run_id);
`

// NewTelemetry opens (or creates) the trace database at path and starts the
// writer. bufSize <= 0 selects the default of 256.
func NewTelemetry(path string, bufSize int, metrics *Metrics, logger *Logger) (*Telemetry, error) {
	if bufSize <= 0 {
		bufSize = 256
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	if _, err := db.Exec(telemetrySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}

	t := &Telemetry{
		db:      db,
		buf:     make(chan *ProviderTrace, bufSize),
		metrics: metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go t.writeLoop()
	return t, nil
}

// TryRecord hands a trace to the writer without blocking. Records missing a
// step id or actor are ignored per the capture contract.
func (t *Telemetry) TryRecord(trace *ProviderTrace) {
	if t == nil || trace == nil || trace.StepID == "" || trace.Actor == "" {
		return
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}
	select {
	case t.buf <- trace:
	default:
		t.metrics.RecordTelemetryDrop()
	}
}

func (t *Telemetry) writeLoop() {
	defer close(t.done)
	for trace := range t.buf {
		if err := t.write(trace); err != nil && t.logger != nil {
			t.logger.Warn(context.Background(), "telemetry write failed",
				"run_id", trace.RunID, "error", err)
		}
	}
}

func (t *Telemetry) write(trace *ProviderTrace) error {
	_, err := t.db.Exec(`
		INSERT INTO provider_traces (run_id, step_id, actor, provider, model, request_json, response_json, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		trace.RunID,
		trace.StepID,
		trace.Actor,
		trace.Provider,
		trace.Model,
		string(trace.Request),
		string(trace.Response),
		trace.CreatedAt,
	)
	return err
}

// CountForRun returns the number of traces stored for a run. Used by tests
// and the status command.
func (t *Telemetry) CountForRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_traces WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// Close stops accepting records, drains the buffer, and closes the db.
func (t *Telemetry) Close() error {
	if t == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		close(t.buf)
	})
	<-t.done
	return t.db.Close()
}
