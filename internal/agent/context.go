package agent

import (
	"context"
	"sync"

	"github.com/haasonsaas/strand/internal/cancel"
	"github.com/haasonsaas/strand/pkg/models"
)

// StateClient is the narrow view of agent persistence that tools may reach
// through the AgentContext. Implemented by the state store.
type StateClient interface {
	GetAgent(ctx context.Context, id string) (*models.AgentState, error)
	GetMemoryBlocks(ctx context.Context, ids []string) ([]models.MemoryBlock, error)
	UpdateMemoryBlock(ctx context.Context, block *models.MemoryBlock) error
}

// AgentContext is the per-request bundle threaded through tool execution.
// It lives for exactly one step-loop invocation and is cleared in the loop's
// finalizer. Tools use it to reach persistence, learn their working
// directory, and register background subagents so the loop can observe them
// after the tool returns.
type AgentContext struct {
	Client    StateClient
	AgentID   string
	WorkDir   string
	LLM       models.LLMConfig
	Embedding models.EmbeddingConfig

	// KVCacheFriendly mirrors the agent's prefix-stability flag so tools can
	// avoid mutating rendered context mid-run.
	KVCacheFriendly bool

	mu        sync.Mutex
	subagents map[string]*models.SubagentDescriptor
	order     []string
}

// NewAgentContext builds the context for one loop invocation.
func NewAgentContext(client StateClient, agent *models.AgentState, workDir string) *AgentContext {
	return &AgentContext{
		Client:          client,
		AgentID:         agent.ID,
		WorkDir:         workDir,
		LLM:             agent.LLM,
		Embedding:       agent.Embedding,
		KVCacheFriendly: agent.KVCacheFriendly,
		subagents:       make(map[string]*models.SubagentDescriptor),
	}
}

// TrackSubagent registers or updates a subagent descriptor. Tools call this
// when they spawn background work that outlives their own execution.
func (ac *AgentContext) TrackSubagent(desc *models.SubagentDescriptor) {
	if desc == nil || desc.ID == "" {
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if _, ok := ac.subagents[desc.ID]; !ok {
		ac.order = append(ac.order, desc.ID)
	}
	ac.subagents[desc.ID] = desc
}

// Subagents returns the tracked descriptors in registration order.
func (ac *AgentContext) Subagents() []*models.SubagentDescriptor {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	out := make([]*models.SubagentDescriptor, 0, len(ac.order))
	for _, id := range ac.order {
		out = append(out, ac.subagents[id])
	}
	return out
}

// Clear resets the tracked subagents. The loop calls this in its finalizer
// so descriptors never leak across invocations.
func (ac *AgentContext) Clear() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.subagents = make(map[string]*models.SubagentDescriptor)
	ac.order = nil
}

// ToolContext is handed to every tool execution. It carries the working
// directory, the run's cancellation flag, and the owning AgentContext.
type ToolContext struct {
	Agent   *AgentContext
	WorkDir string
	RunID   string

	flag *cancel.Flag
}

// NewToolContext builds a ToolContext for one execution.
func NewToolContext(agent *AgentContext, runID string, flag *cancel.Flag) *ToolContext {
	workDir := ""
	if agent != nil {
		workDir = agent.WorkDir
	}
	return &ToolContext{Agent: agent, WorkDir: workDir, RunID: runID, flag: flag}
}

// IsCancelled reports whether the run's cancellation flag is set. Tools with
// long internal loops should poll this between iterations.
func (tc *ToolContext) IsCancelled() bool {
	return tc.flag != nil && tc.flag.IsSet()
}

// CancelReason returns the recorded cancellation reason, if any.
func (tc *ToolContext) CancelReason() string {
	if tc.flag == nil {
		return ""
	}
	return tc.flag.Reason()
}
