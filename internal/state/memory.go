package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// MemoryAgentStore provides an in-memory AgentStore.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentState
	blocks map[string]models.MemoryBlock
}

// NewMemoryAgentStore creates an in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents: make(map[string]*models.AgentState),
		blocks: make(map[string]models.MemoryBlock),
	}
}

func (s *MemoryAgentStore) PutAgent(ctx context.Context, agent *models.AgentState) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *agent
	s.agents[agent.ID] = &copied
	return nil
}

func (s *MemoryAgentStore) GetAgent(ctx context.Context, id string) (*models.AgentState, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (s *MemoryAgentStore) ListAgents(ctx context.Context) ([]*models.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*models.AgentState, 0, len(s.agents))
	for _, agent := range s.agents {
		copied := *agent
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
	return agents, nil
}

func (s *MemoryAgentStore) PutMemoryBlock(ctx context.Context, block *models.MemoryBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("memory block is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[block.ID] = *block
	return nil
}

func (s *MemoryAgentStore) GetMemoryBlocks(ctx context.Context, ids []string) ([]models.MemoryBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blocks := make([]models.MemoryBlock, 0, len(ids))
	for _, id := range ids {
		if block, ok := s.blocks[id]; ok {
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

func (s *MemoryAgentStore) UpdateMemoryBlock(ctx context.Context, block *models.MemoryBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("memory block is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[block.ID]; !ok {
		return ErrNotFound
	}
	block.UpdatedAt = time.Now().UTC()
	s.blocks[block.ID] = *block
	return nil
}

// MemoryMessageStore provides an in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message
}

// NewMemoryMessageStore creates an in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{messages: make(map[string][]*models.Message)}
}

func (s *MemoryMessageStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message is required")
	}
	if msg.AgentID == "" {
		return fmt.Errorf("message agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *msg
	s.messages[msg.AgentID] = append(s.messages[msg.AgentID], &copied)
	return nil
}

func (s *MemoryMessageStore) History(ctx context.Context, agentID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[agentID]
	history := make([]*models.Message, 0, len(stored))
	for _, msg := range stored {
		copied := *msg
		history = append(history, &copied)
	}
	return history, nil
}

// NewMemoryStores constructs a store set backed by memory.
func NewMemoryStores() Stores {
	return Stores{
		Agents:   NewMemoryAgentStore(),
		Messages: NewMemoryMessageStore(),
	}
}
