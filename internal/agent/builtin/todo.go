package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
)

// TodoManager holds the current plan list per agent. Lists are replaced
// wholesale on every write; there is no partial update.
type TodoManager struct {
	mu    sync.Mutex
	lists map[string][]models.TodoItem
}

// NewTodoManager creates an empty manager.
func NewTodoManager() *TodoManager {
	return &TodoManager{lists: make(map[string][]models.TodoItem)}
}

// Set replaces the agent's plan list.
func (m *TodoManager) Set(agentID string, items []models.TodoItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[agentID] = items
}

// Get returns a copy of the agent's plan list.
func (m *TodoManager) Get(agentID string) []models.TodoItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[agentID]
	out := make([]models.TodoItem, len(items))
	copy(out, items)
	return out
}

// TodoWriteTool lets the model maintain its plan list.
type TodoWriteTool struct {
	manager *TodoManager
}

type todoWriteArgs struct {
	Todos []todoItemArg `json:"todos" jsonschema:"required,description=The complete todo list; it replaces the previous list."`
}

type todoItemArg struct {
	Content    string `json:"content" jsonschema:"required,description=Imperative description of the task."`
	ActiveForm string `json:"active_form" jsonschema:"required,description=Present continuous form shown while the task runs."`
	Status     string `json:"status" jsonschema:"required,description=Task state.,enum=pending,enum=in_progress,enum=completed"`
}

// NewTodoWriteTool creates the todo_write tool over a manager.
func NewTodoWriteTool(manager *TodoManager) *TodoWriteTool {
	if manager == nil {
		manager = NewTodoManager()
	}
	return &TodoWriteTool{manager: manager}
}

// Manager returns the backing manager, for callers that render the plan.
func (t *TodoWriteTool) Manager() *TodoManager {
	return t.manager
}

func (t *TodoWriteTool) Name() string {
	return "todo_write"
}

func (t *TodoWriteTool) Description() string {
	return "Replace the task plan with an updated todo list. Keep at most one task in_progress at a time."
}

func (t *TodoWriteTool) Schema() json.RawMessage {
	return reflectSchema(&todoWriteArgs{})
}

func (t *TodoWriteTool) Kind() agent.ToolKind {
	return agent.ToolKindOther
}

func (t *TodoWriteTool) SideEffect() agent.SideEffect {
	return agent.SideEffectPure
}

func (t *TodoWriteTool) ReturnCharLimit() int {
	return 0
}

func (t *TodoWriteTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolResult, error) {
	var args todoWriteArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return agent.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	items := make([]models.TodoItem, 0, len(args.Todos))
	var pending, inProgress, completed int
	for i, todo := range args.Todos {
		if strings.TrimSpace(todo.Content) == "" {
			return agent.ErrorResult(fmt.Sprintf("todos[%d]: content is required", i)), nil
		}
		status := models.TodoStatus(todo.Status)
		switch status {
		case models.TodoPending:
			pending++
		case models.TodoInProgress:
			inProgress++
		case models.TodoCompleted:
			completed++
		default:
			return agent.ErrorResult(fmt.Sprintf("todos[%d]: unknown status %q", i, todo.Status)), nil
		}
		items = append(items, models.TodoItem{
			Content:    todo.Content,
			ActiveForm: todo.ActiveForm,
			Status:     status,
		})
	}

	agentID := ""
	if tc != nil && tc.Agent != nil {
		agentID = tc.Agent.AgentID
	}
	t.manager.Set(agentID, items)

	summary := fmt.Sprintf("Todo list updated: %d items (%d pending, %d in progress, %d completed).",
		len(items), pending, inProgress, completed)
	if inProgress > 1 {
		summary += " Warning: more than one task is in_progress; keep at most one."
	}
	return agent.TextResult(summary), nil
}
