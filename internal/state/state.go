// Package state persists agent identities, memory blocks, and per-agent
// message history. Agents are created by the control plane that owns them;
// the runtime reads agent records, renders memory blocks into prompts, and
// writes blocks and messages back through the contracts below. In-memory,
// SQLite, and Postgres implementations share the same semantics.
package state

import (
	"context"
	"errors"

	"github.com/haasonsaas/strand/pkg/models"
)

// ErrNotFound reports a missing agent or memory block.
var ErrNotFound = errors.New("not found")

// AgentStore persists agent records and memory blocks. The method set is a
// superset of the step loop's StateClient contract, so every implementation
// plugs straight into the loop and into tool execution.
type AgentStore interface {
	// PutAgent inserts or replaces an agent record. Credentials on the
	// record never persist; they resolve from runtime provider config on
	// load.
	PutAgent(ctx context.Context, agent *models.AgentState) error

	// GetAgent returns an agent by id, or ErrNotFound.
	GetAgent(ctx context.Context, id string) (*models.AgentState, error)

	// ListAgents returns all agents, newest first.
	ListAgents(ctx context.Context) ([]*models.AgentState, error)

	// PutMemoryBlock inserts or replaces a memory block.
	PutMemoryBlock(ctx context.Context, block *models.MemoryBlock) error

	// GetMemoryBlocks returns blocks in the order of the requested ids.
	// Ids with no backing block are skipped, not errors: a dangling
	// reference must not take every turn of the agent down with it.
	GetMemoryBlocks(ctx context.Context, ids []string) ([]models.MemoryBlock, error)

	// UpdateMemoryBlock rewrites an existing block and stamps its
	// UpdatedAt. Missing blocks are ErrNotFound.
	UpdateMemoryBlock(ctx context.Context, block *models.MemoryBlock) error
}

// MessageStore persists conversation history per agent in append order.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	History(ctx context.Context, agentID string) ([]*models.Message, error)
}

// Stores groups the persistence dependencies one deployment shares.
type Stores struct {
	Agents   AgentStore
	Messages MessageStore

	closer  func() error
	migrate func(context.Context) error
}

// Migrate creates missing schema objects on backends that own their schema.
// Memory and SQLite stores migrate at open and return nil here.
func (s Stores) Migrate(ctx context.Context) error {
	if s.migrate == nil {
		return nil
	}
	return s.migrate(ctx)
}

// Close closes any underlying resources.
func (s Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
