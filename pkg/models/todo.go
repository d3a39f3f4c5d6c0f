package models

// TodoStatus is the lifecycle state of a plan item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one task in the agent's plan. Content is the imperative form
// ("Fix the parser"), ActiveForm the present continuous shown while the item
// is in progress ("Fixing the parser").
type TodoItem struct {
	Content    string     `json:"content"`
	ActiveForm string     `json:"active_form"`
	Status     TodoStatus `json:"status"`
}
