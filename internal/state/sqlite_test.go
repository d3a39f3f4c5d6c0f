package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

func setupSQLiteStores(t *testing.T) Stores {
	t.Helper()
	stores, err := NewSQLiteStores("")
	if err != nil {
		t.Fatalf("failed to open sqlite stores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	return stores
}

func TestSQLiteAgentRoundTrip(t *testing.T) {
	stores := setupSQLiteStores(t)
	ctx := context.Background()

	agent := newTestAgent("agent-1")
	agent.Kind = models.AgentSleeptime
	agent.KVCacheFriendly = true
	agent.GroupID = "group-1"
	agent.GroupKind = models.GroupSleeptime
	agent.Embedding = models.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dim: 1536}
	agent.LLM.Endpoint = "http://localhost:11434"
	agent.LLM.APIKey = "sk-never-stored"

	if err := stores.Agents.PutAgent(ctx, agent); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}

	got, err := stores.Agents.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Kind != models.AgentSleeptime || !got.KVCacheFriendly {
		t.Errorf("agent flags not preserved: %+v", got)
	}
	if got.GroupID != "group-1" || got.GroupKind != models.GroupSleeptime {
		t.Errorf("group fields not preserved: %+v", got)
	}
	if got.LLM.ProviderKind != "anthropic" || got.LLM.Endpoint != "http://localhost:11434" {
		t.Errorf("llm config not preserved: %+v", got.LLM)
	}
	if got.Embedding.Model != "text-embedding-3-small" || got.Embedding.Dim != 1536 {
		t.Errorf("embedding config not preserved: %+v", got.Embedding)
	}
	if len(got.MemoryBlockIDs) != 2 || got.MemoryBlockIDs[1] != "mem-human" {
		t.Errorf("memory block ids not preserved: %+v", got.MemoryBlockIDs)
	}
	if len(got.ToolNames) != 2 || got.ToolNames[0] != "think" {
		t.Errorf("tool names not preserved: %+v", got.ToolNames)
	}
	// Credentials must never survive the round trip.
	if got.LLM.APIKey != "" {
		t.Error("api key persisted to the database")
	}
}

func TestSQLiteAgentPutReplaces(t *testing.T) {
	stores := setupSQLiteStores(t)
	ctx := context.Background()

	if err := stores.Agents.PutAgent(ctx, newTestAgent("agent-1")); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}
	replacement := newTestAgent("agent-1")
	replacement.Name = "renamed"
	replacement.ToolNames = []string{"read_file"}
	if err := stores.Agents.PutAgent(ctx, replacement); err != nil {
		t.Fatalf("PutAgent replace failed: %v", err)
	}

	got, err := stores.Agents.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Name != "renamed" || len(got.ToolNames) != 1 {
		t.Errorf("replacement not applied: %+v", got)
	}
}

func TestSQLiteAgentGetNotFound(t *testing.T) {
	stores := setupSQLiteStores(t)

	if _, err := stores.Agents.GetAgent(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteAgentList(t *testing.T) {
	stores := setupSQLiteStores(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"agent-1", "agent-2", "agent-3"} {
		agent := newTestAgent(id)
		agent.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := stores.Agents.PutAgent(ctx, agent); err != nil {
			t.Fatalf("PutAgent failed: %v", err)
		}
	}

	agents, err := stores.Agents.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	if agents[0].ID != "agent-3" || agents[2].ID != "agent-1" {
		t.Errorf("unexpected order: %s, %s, %s", agents[0].ID, agents[1].ID, agents[2].ID)
	}
}

func TestSQLiteMemoryBlocks(t *testing.T) {
	stores := setupSQLiteStores(t)
	ctx := context.Background()

	for _, block := range []*models.MemoryBlock{
		newTestBlock("mem-1", "persona", "I am a helper."),
		newTestBlock("mem-2", "human", "The human is busy."),
	} {
		if err := stores.Agents.PutMemoryBlock(ctx, block); err != nil {
			t.Fatalf("PutMemoryBlock failed: %v", err)
		}
	}

	// Requested order wins over storage order; dangling ids are skipped.
	blocks, err := stores.Agents.GetMemoryBlocks(ctx, []string{"mem-2", "dangling", "mem-1"})
	if err != nil {
		t.Fatalf("GetMemoryBlocks failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].ID != "mem-2" || blocks[1].ID != "mem-1" {
		t.Errorf("requested order not preserved: %s, %s", blocks[0].ID, blocks[1].ID)
	}
	if blocks[0].Label != "human" || blocks[0].CharLimit != 2000 {
		t.Errorf("block fields not preserved: %+v", blocks[0])
	}

	update := &models.MemoryBlock{ID: "mem-1", Label: "persona", Value: "I am updated.", CharLimit: 2000}
	if err := stores.Agents.UpdateMemoryBlock(ctx, update); err != nil {
		t.Fatalf("UpdateMemoryBlock failed: %v", err)
	}
	if update.UpdatedAt.IsZero() {
		t.Error("update did not stamp UpdatedAt")
	}
	blocks, err = stores.Agents.GetMemoryBlocks(ctx, []string{"mem-1"})
	if err != nil {
		t.Fatalf("GetMemoryBlocks failed: %v", err)
	}
	if blocks[0].Value != "I am updated." {
		t.Errorf("update not persisted: %q", blocks[0].Value)
	}

	if err := stores.Agents.UpdateMemoryBlock(ctx, newTestBlock("missing", "x", "y")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteMessageRoundTrip(t *testing.T) {
	stores := setupSQLiteStores(t)
	ctx := context.Background()

	user := newTestMessage("msg-1", "agent-1", models.RoleUser, "run the check")
	assistant := newTestMessage("msg-2", "agent-1", models.RoleAssistant, "running it now")
	assistant.Content = append(assistant.Content, models.ReasoningPart("the user wants a check", "sig-abc"))
	assistant.ToolCall = &models.ToolCall{
		ID:        "call-1",
		Name:      "shell",
		Arguments: json.RawMessage(`{"command":"true"}`),
	}
	approval := &models.Message{
		ID:      "msg-3",
		AgentID: "agent-1",
		Role:    models.RoleApproval,
		ToolReturn: &models.ToolReturn{
			ToolCallID: "call-1",
			Content:    "ok",
			Status:     models.ReturnSuccess,
		},
		CreatedAt: time.Now().UTC(),
	}
	for _, msg := range []*models.Message{user, assistant, approval} {
		if err := stores.Messages.Append(ctx, msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	history, err := stores.Messages.History(ctx, "agent-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[0].ID != "msg-1" || history[1].ID != "msg-2" || history[2].ID != "msg-3" {
		t.Errorf("append order not preserved: %s, %s, %s", history[0].ID, history[1].ID, history[2].ID)
	}
	if history[1].Reasoning() != "the user wants a check" {
		t.Errorf("reasoning part not preserved: %q", history[1].Reasoning())
	}
	if history[1].ToolCall == nil || history[1].ToolCall.Name != "shell" {
		t.Errorf("tool call not preserved: %+v", history[1].ToolCall)
	}
	if string(history[1].ToolCall.Arguments) != `{"command":"true"}` {
		t.Errorf("tool call arguments not preserved: %s", history[1].ToolCall.Arguments)
	}
	ret := history[2].ToolReturn
	if ret == nil || ret.ToolCallID != "call-1" || ret.Status != models.ReturnSuccess {
		t.Errorf("tool return not preserved: %+v", ret)
	}
}

func TestSQLiteMessageHistoryScopedByAgent(t *testing.T) {
	stores := setupSQLiteStores(t)
	ctx := context.Background()

	if err := stores.Messages.Append(ctx, newTestMessage("msg-1", "agent-1", models.RoleUser, "one")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := stores.Messages.Append(ctx, newTestMessage("msg-2", "agent-2", models.RoleUser, "two")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	history, err := stores.Messages.History(ctx, "agent-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != "msg-1" {
		t.Errorf("history leaked across agents: %+v", history)
	}
}

func TestSQLiteStoresMigrateNoop(t *testing.T) {
	stores := setupSQLiteStores(t)

	// Schema is created at open; Migrate has nothing left to do.
	if err := stores.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
}
