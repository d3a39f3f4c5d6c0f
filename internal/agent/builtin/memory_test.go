package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
)

type fakeStateClient struct {
	agent   *models.AgentState
	blocks  map[string]models.MemoryBlock
	updated []*models.MemoryBlock

	getAgentErr  error
	getBlocksErr error
	updateErr    error
}

func (f *fakeStateClient) GetAgent(ctx context.Context, id string) (*models.AgentState, error) {
	if f.getAgentErr != nil {
		return nil, f.getAgentErr
	}
	return f.agent, nil
}

func (f *fakeStateClient) GetMemoryBlocks(ctx context.Context, ids []string) ([]models.MemoryBlock, error) {
	if f.getBlocksErr != nil {
		return nil, f.getBlocksErr
	}
	out := make([]models.MemoryBlock, 0, len(ids))
	for _, id := range ids {
		if block, ok := f.blocks[id]; ok {
			out = append(out, block)
		}
	}
	return out, nil
}

func (f *fakeStateClient) UpdateMemoryBlock(ctx context.Context, block *models.MemoryBlock) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, block)
	f.blocks[block.ID] = *block
	return nil
}

func memoryToolContext(client *fakeStateClient) *agent.ToolContext {
	ac := agent.NewAgentContext(client, client.agent, "")
	return agent.NewToolContext(ac, "run-1", nil)
}

func newMemoryFake() *fakeStateClient {
	return &fakeStateClient{
		agent: &models.AgentState{
			ID:             "agent-1",
			MemoryBlockIDs: []string{"mem-persona", "mem-human"},
		},
		blocks: map[string]models.MemoryBlock{
			"mem-persona": {ID: "mem-persona", Label: "persona", Value: "I am a careful assistant.", CharLimit: 200},
			"mem-human":   {ID: "mem-human", Label: "human", Value: "Name: Ada", CharLimit: 200},
		},
	}
}

func TestMemoryAppendTool(t *testing.T) {
	client := newMemoryFake()
	tool := NewMemoryAppendTool()

	result, err := tool.Execute(context.Background(), memoryToolContext(client),
		json.RawMessage(`{"label":"human","content":"Prefers short answers."}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	if len(client.updated) != 1 {
		t.Fatalf("got %d updates, want 1", len(client.updated))
	}
	got := client.updated[0]
	if got.ID != "mem-human" {
		t.Fatalf("updated block %q, want mem-human", got.ID)
	}
	if got.Value != "Name: Ada\nPrefers short answers." {
		t.Fatalf("value = %q", got.Value)
	}
}

func TestMemoryAppendToolEmptyBlock(t *testing.T) {
	client := newMemoryFake()
	client.blocks["mem-human"] = models.MemoryBlock{ID: "mem-human", Label: "human", CharLimit: 200}
	tool := NewMemoryAppendTool()

	result, err := tool.Execute(context.Background(), memoryToolContext(client),
		json.RawMessage(`{"label":"human","content":"Name: Ada"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if got := client.blocks["mem-human"].Value; got != "Name: Ada" {
		t.Fatalf("empty block should not gain a leading newline: %q", got)
	}
}

func TestMemoryAppendToolCharLimit(t *testing.T) {
	client := newMemoryFake()
	client.blocks["mem-human"] = models.MemoryBlock{ID: "mem-human", Label: "human", Value: "Name: Ada", CharLimit: 12}
	tool := NewMemoryAppendTool()

	result, err := tool.Execute(context.Background(), memoryToolContext(client),
		json.RawMessage(`{"label":"human","content":"Prefers short answers."}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("over-limit append should be an error result")
	}
	if !strings.Contains(result.Content, "12 character limit") {
		t.Fatalf("content = %q", result.Content)
	}
	if len(client.updated) != 0 {
		t.Fatal("over-limit append must not write")
	}
}

func TestMemoryAppendToolUnknownLabel(t *testing.T) {
	client := newMemoryFake()
	tool := NewMemoryAppendTool()

	result, err := tool.Execute(context.Background(), memoryToolContext(client),
		json.RawMessage(`{"label":"scratch","content":"x"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("unknown label should be an error result")
	}
	if !strings.Contains(result.Content, "human, persona") {
		t.Fatalf("error should list available labels: %q", result.Content)
	}
}

func TestMemoryAppendToolValidation(t *testing.T) {
	tool := NewMemoryAppendTool()

	tests := []struct {
		name string
		args string
		want string
	}{
		{name: "missing content", args: `{"label":"human"}`, want: "content is required"},
		{name: "missing label", args: `{"content":"x"}`, want: "label is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tool.Execute(context.Background(), memoryToolContext(newMemoryFake()),
				json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !result.IsError || !strings.Contains(result.Content, tt.want) {
				t.Fatalf("result = %+v, want error containing %q", result, tt.want)
			}
		})
	}
}

func TestMemoryAppendToolNoClient(t *testing.T) {
	tool := NewMemoryAppendTool()

	result, err := tool.Execute(context.Background(), agent.NewToolContext(nil, "run-1", nil),
		json.RawMessage(`{"label":"human","content":"x"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("missing agent context should be an error result")
	}
}

func TestMemoryReplaceTool(t *testing.T) {
	client := newMemoryFake()
	client.blocks["mem-persona"] = models.MemoryBlock{
		ID: "mem-persona", Label: "persona",
		Value: "Tone: formal. Sign-off: formal.", CharLimit: 200,
	}
	tool := NewMemoryReplaceTool()

	result, err := tool.Execute(context.Background(), memoryToolContext(client),
		json.RawMessage(`{"label":"persona","old_text":"formal","new_text":"casual"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if !strings.Contains(result.Content, "2 occurrences") {
		t.Fatalf("summary = %q", result.Content)
	}
	if got := client.blocks["mem-persona"].Value; got != "Tone: casual. Sign-off: casual." {
		t.Fatalf("value = %q", got)
	}
}

func TestMemoryReplaceToolDeletesWithEmptyNewText(t *testing.T) {
	client := newMemoryFake()
	tool := NewMemoryReplaceTool()

	result, err := tool.Execute(context.Background(), memoryToolContext(client),
		json.RawMessage(`{"label":"human","old_text":"Name: Ada","new_text":""}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if got := client.blocks["mem-human"].Value; got != "" {
		t.Fatalf("value = %q, want empty", got)
	}
}

func TestMemoryReplaceToolMissingOldText(t *testing.T) {
	client := newMemoryFake()
	tool := NewMemoryReplaceTool()

	result, err := tool.Execute(context.Background(), memoryToolContext(client),
		json.RawMessage(`{"label":"human","old_text":"Name: Bob","new_text":"Name: Eve"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("absent old_text should be an error result")
	}
	if !strings.Contains(result.Content, "not found") {
		t.Fatalf("content = %q", result.Content)
	}
	if len(client.updated) != 0 {
		t.Fatal("failed replace must not write")
	}
}

func TestMemoryToolsStoreErrors(t *testing.T) {
	boom := errors.New("store down")

	tests := []struct {
		name string
		mod  func(*fakeStateClient)
		want string
	}{
		{
			name: "get agent fails",
			mod:  func(f *fakeStateClient) { f.getAgentErr = boom },
			want: "could not load agent state",
		},
		{
			name: "get blocks fails",
			mod:  func(f *fakeStateClient) { f.getBlocksErr = boom },
			want: "could not load memory blocks",
		},
		{
			name: "update fails",
			mod:  func(f *fakeStateClient) { f.updateErr = boom },
			want: "could not update memory block",
		},
	}

	tool := NewMemoryAppendTool()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMemoryFake()
			tt.mod(client)

			result, err := tool.Execute(context.Background(), memoryToolContext(client),
				json.RawMessage(`{"label":"human","content":"x"}`))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !result.IsError || !strings.Contains(result.Content, tt.want) {
				t.Fatalf("result = %+v, want error containing %q", result, tt.want)
			}
		})
	}
}
