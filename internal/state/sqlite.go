package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/strand/pkg/models"
)

// NewSQLiteStores opens (or creates) SQLite-backed stores at path. An empty
// path selects an in-memory database. Schema objects are created at open, so
// Migrate on the returned set is a no-op.
func NewSQLiteStores(path string) (Stores, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return Stores{}, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases from
	// being re-created per pooled connection.
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return Stores{}, err
	}
	return Stores{
		Agents:   &sqliteAgentStore{db: db},
		Messages: &sqliteMessageStore{db: db},
		closer:   db.Close,
	}, nil
}

func initSQLiteSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			llm TEXT NOT NULL,
			embedding TEXT,
			kv_cache_friendly INTEGER NOT NULL DEFAULT 0,
			system_prompt TEXT,
			memory_block_ids TEXT,
			tool_names TEXT,
			group_id TEXT,
			group_kind TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_blocks (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			value TEXT NOT NULL,
			char_limit INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			tool_call TEXT,
			tool_return TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent_seq ON messages (agent_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create state schema: %w", err)
		}
	}
	return nil
}

type sqliteAgentStore struct {
	db *sql.DB
}

func (s *sqliteAgentStore) PutAgent(ctx context.Context, agent *models.AgentState) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	llm, embedding, err := marshalAgentConfigs(agent)
	if err != nil {
		return err
	}
	blockIDs, err := marshalStringList(agent.MemoryBlockIDs)
	if err != nil {
		return err
	}
	toolNames, err := marshalStringList(agent.ToolNames)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, kind, llm, embedding, kv_cache_friendly, system_prompt,
			memory_block_ids, tool_names, group_id, group_kind, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
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
		blockIDs,
		toolNames,
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

func (s *sqliteAgentStore) GetAgent(ctx context.Context, id string) (*models.AgentState, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, llm, embedding, kv_cache_friendly, system_prompt,
			memory_block_ids, tool_names, group_id, group_kind, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)

	agent, err := scanSQLiteAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *sqliteAgentStore) ListAgents(ctx context.Context) ([]*models.AgentState, error) {
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
		agent, err := scanSQLiteAgent(rows)
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

func scanSQLiteAgent(scanner rowScanner) (*models.AgentState, error) {
	var (
		agent          models.AgentState
		kind           string
		llmBytes       []byte
		embeddingBytes []byte
		blockIDBytes   []byte
		toolNameBytes  []byte
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
		&blockIDBytes,
		&toolNameBytes,
		&agent.GroupID,
		&groupKind,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	agent.Kind = models.AgentKind(kind)
	agent.GroupKind = models.GroupKind(groupKind)
	if err := unmarshalAgentConfigs(&agent, llmBytes, embeddingBytes); err != nil {
		return nil, err
	}
	blockIDs, err := unmarshalStringList(blockIDBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal memory block ids: %w", err)
	}
	agent.MemoryBlockIDs = blockIDs
	toolNames, err := unmarshalStringList(toolNameBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal tool names: %w", err)
	}
	agent.ToolNames = toolNames
	return &agent, nil
}

func (s *sqliteAgentStore) PutMemoryBlock(ctx context.Context, block *models.MemoryBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("memory block is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_blocks (id, label, value, char_limit, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
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

func (s *sqliteAgentStore) GetMemoryBlocks(ctx context.Context, ids []string) ([]models.MemoryBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, value, char_limit, updated_at FROM memory_blocks WHERE id IN (`+placeholders+`)`,
		args...)
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

func (s *sqliteAgentStore) UpdateMemoryBlock(ctx context.Context, block *models.MemoryBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("memory block is required")
	}
	block.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE memory_blocks SET label = ?, value = ?, char_limit = ?, updated_at = ?
		WHERE id = ?
	`, block.Label, block.Value, block.CharLimit, block.UpdatedAt, block.ID)
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

type sqliteMessageStore struct {
	db *sql.DB
}

func (s *sqliteMessageStore) Append(ctx context.Context, msg *models.Message) error {
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
		VALUES (?,?,?,?,?,?,?)
	`, msg.ID, msg.AgentID, string(msg.Role), content, toolCall, toolReturn, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *sqliteMessageStore) History(ctx context.Context, agentID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, role, content, tool_call, tool_return, created_at
		FROM messages WHERE agent_id = ? ORDER BY seq
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
