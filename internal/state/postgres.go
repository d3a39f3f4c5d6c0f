package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/strand/pkg/models"
)

// PostgresConfig holds connection pool settings for the Postgres stores.
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

// NewPostgresStoresFromDSN opens Postgres-backed stores and verifies
// connectivity. Schema creation is deferred to Migrate on the returned set.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (Stores, error) {
	if dsn == "" {
		return Stores{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Stores{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return Stores{}, fmt.Errorf("ping database: %w", err)
	}

	return Stores{
		Agents:   &postgresAgentStore{db: db},
		Messages: &postgresMessageStore{db: db},
		closer:   db.Close,
		migrate:  func(ctx context.Context) error { return migratePostgres(ctx, db) },
	}, nil
}

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			llm JSONB NOT NULL,
			embedding JSONB,
			kv_cache_friendly BOOLEAN NOT NULL DEFAULT FALSE,
			system_prompt TEXT,
			memory_block_ids TEXT[],
			tool_names TEXT[],
			group_id TEXT,
			group_kind TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_blocks (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			value TEXT NOT NULL,
			char_limit INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content JSONB,
			tool_call JSONB,
			tool_return JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent_seq ON messages (agent_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create state schema: %w", err)
		}
	}
	return nil
}

type postgresAgentStore struct {
	db *sql.DB
}

func (s *postgresAgentStore) PutAgent(ctx context.Context, agent *models.AgentState) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	llm, embedding, err := marshalAgentConfigs(agent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, kind, llm, embedding, kv_cache_friendly, system_prompt,
			memory_block_ids, tool_names, group_id, group_kind, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			llm = excluded.llm,
			embedding = excluded.embedding,
			kv_cache_friendly = excluded.kv_cache_friendly,
			system_prompt = excluded.system_prompt,
			memory_block_ids = excluded.memory_block_ids,
			tool_names = excluded.tool_names,
			group_id = excluded.group_id,
			group_kind = excluded.group_kind,
			updated_at = excluded.updated_at
	`,
		agent.ID,
		agent.Name,
		string(agent.Kind),
		llm,
		embedding,
		agent.KVCacheFriendly,
		agent.SystemPrompt,
		pq.Array(agent.MemoryBlockIDs),
		pq.Array(agent.ToolNames),
		agent.GroupID,
		string(agent.GroupKind),
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	return nil
}

func (s *postgresAgentStore) GetAgent(ctx context.Context, id string) (*models.AgentState, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, llm, embedding, kv_cache_friendly, system_prompt,
			memory_block_ids, tool_names, group_id, group_kind, created_at, updated_at
		FROM agents WHERE id = $1
	`, id)

	agent, err := scanPostgresAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *postgresAgentStore) ListAgents(ctx context.Context) ([]*models.AgentState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, llm, embedding, kv_cache_friendly, system_prompt,
			memory_block_ids, tool_names, group_id, group_kind, created_at, updated_at
		FROM agents ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.AgentState
	for rows.Next() {
		agent, err := scanPostgresAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

func scanPostgresAgent(scanner rowScanner) (*models.AgentState, error) {
	var (
		agent          models.AgentState
		kind           string
		llmBytes       []byte
		embeddingBytes []byte
		blockIDs       []string
		toolNames      []string
		groupKind      string
	)
	if err := scanner.Scan(
		&agent.ID,
		&agent.Name,
		&kind,
		&llmBytes,
		&embeddingBytes,
		&agent.KVCacheFriendly,
		&agent.SystemPrompt,
		pq.Array(&blockIDs),
		pq.Array(&toolNames),
		&agent.GroupID,
		&groupKind,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	agent.Kind = models.AgentKind(kind)
	agent.GroupKind = models.GroupKind(groupKind)
	agent.MemoryBlockIDs = blockIDs
	agent.ToolNames = toolNames
	if err := unmarshalAgentConfigs(&agent, llmBytes, embeddingBytes); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *postgresAgentStore) PutMemoryBlock(ctx context.Context, block *models.MemoryBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("memory block is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_blocks (id, label, value, char_limit, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			label = excluded.label,
			value = excluded.value,
			char_limit = excluded.char_limit,
			updated_at = excluded.updated_at
	`, block.ID, block.Label, block.Value, block.CharLimit, block.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put memory block: %w", err)
	}
	return nil
}

func (s *postgresAgentStore) GetMemoryBlocks(ctx context.Context, ids []string) ([]models.MemoryBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, value, char_limit, updated_at
		FROM memory_blocks WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get memory blocks: %w", err)
	}
	defer rows.Close()

	var blocks []models.MemoryBlock
	for rows.Next() {
		var block models.MemoryBlock
		if err := rows.Scan(&block.ID, &block.Label, &block.Value, &block.CharLimit, &block.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory block: %w", err)
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get memory blocks: %w", err)
	}
	return orderBlocks(ids, blocks), nil
}

func (s *postgresAgentStore) UpdateMemoryBlock(ctx context.Context, block *models.MemoryBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("memory block is required")
	}
	block.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE memory_blocks SET label = $2, value = $3, char_limit = $4, updated_at = $5
		WHERE id = $1
	`, block.ID, block.Label, block.Value, block.CharLimit, block.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update memory block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update memory block: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type postgresMessageStore struct {
	db *sql.DB
}

func (s *postgresMessageStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message is required")
	}
	if msg.AgentID == "" {
		return fmt.Errorf("message agent id is required")
	}
	content, toolCall, toolReturn, err := marshalMessageColumns(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, agent_id, role, content, tool_call, tool_return, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, msg.ID, msg.AgentID, string(msg.Role), content, toolCall, toolReturn, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *postgresMessageStore) History(ctx context.Context, agentID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, role, content, tool_call, tool_return, created_at
		FROM messages WHERE agent_id = $1 ORDER BY seq
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("message history: %w", err)
	}
	defer rows.Close()

	var history []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message history: %w", err)
	}
	return history, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// marshalAgentConfigs encodes the LLM and embedding sections. The LLM
// section's credential field carries a json:"-" tag, so keys never reach the
// database.
func marshalAgentConfigs(agent *models.AgentState) (llm, embedding []byte, err error) {
	llm, err = json.Marshal(agent.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal agent llm config: %w", err)
	}
	embedding, err = json.Marshal(agent.Embedding)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal agent embedding config: %w", err)
	}
	return llm, embedding, nil
}

func unmarshalAgentConfigs(agent *models.AgentState, llmBytes, embeddingBytes []byte) error {
	if len(llmBytes) > 0 {
		if err := json.Unmarshal(llmBytes, &agent.LLM); err != nil {
			return fmt.Errorf("unmarshal agent llm config: %w", err)
		}
	}
	if len(embeddingBytes) > 0 {
		if err := json.Unmarshal(embeddingBytes, &agent.Embedding); err != nil {
			return fmt.Errorf("unmarshal agent embedding config: %w", err)
		}
	}
	return nil
}

func marshalStringList(values []string) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	out, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return out, nil
}

func unmarshalStringList(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func marshalMessageColumns(msg *models.Message) (content, toolCall, toolReturn []byte, err error) {
	if len(msg.Content) > 0 {
		content, err = json.Marshal(msg.Content)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal message content: %w", err)
		}
	}
	if msg.ToolCall != nil {
		toolCall, err = json.Marshal(msg.ToolCall)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal message tool call: %w", err)
		}
	}
	if msg.ToolReturn != nil {
		toolReturn, err = json.Marshal(msg.ToolReturn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal message tool return: %w", err)
		}
	}
	return content, toolCall, toolReturn, nil
}

func scanMessage(scanner rowScanner) (*models.Message, error) {
	var (
		msg             models.Message
		role            string
		contentBytes    []byte
		toolCallBytes   []byte
		toolReturnBytes []byte
	)
	if err := scanner.Scan(
		&msg.ID,
		&msg.AgentID,
		&role,
		&contentBytes,
		&toolCallBytes,
		&toolReturnBytes,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if len(contentBytes) > 0 {
		if err := json.Unmarshal(contentBytes, &msg.Content); err != nil {
			return nil, fmt.Errorf("unmarshal message content: %w", err)
		}
	}
	if len(toolCallBytes) > 0 {
		msg.ToolCall = &models.ToolCall{}
		if err := json.Unmarshal(toolCallBytes, msg.ToolCall); err != nil {
			return nil, fmt.Errorf("unmarshal message tool call: %w", err)
		}
	}
	if len(toolReturnBytes) > 0 {
		msg.ToolReturn = &models.ToolReturn{}
		if err := json.Unmarshal(toolReturnBytes, msg.ToolReturn); err != nil {
			return nil, fmt.Errorf("unmarshal message tool return: %w", err)
		}
	}
	return &msg, nil
}

// orderBlocks re-sequences query results into requested-id order. Duplicate
// ids in the request yield the block once per occurrence.
func orderBlocks(ids []string, blocks []models.MemoryBlock) []models.MemoryBlock {
	byID := make(map[string]models.MemoryBlock, len(blocks))
	for _, block := range blocks {
		byID[block.ID] = block
	}
	ordered := make([]models.MemoryBlock, 0, len(ids))
	for _, id := range ids {
		if block, ok := byID[id]; ok {
			ordered = append(ordered, block)
		}
	}
	return ordered
}
