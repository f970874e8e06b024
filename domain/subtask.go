package domain

// SubtaskStatus is the two-state checklist status.
type SubtaskStatus string

const (
	SubtaskTodo SubtaskStatus = "todo"
	SubtaskDone SubtaskStatus = "done"
)

// Subtask is a checklist item under a task. ActualSeconds is only ever
// grown by the timer's atomic stop batch.
type Subtask struct {
	ID              string        `json:"id"`
	TaskID          string        `json:"taskId"`
	ProjectID       string        `json:"projectId"`
	Title           string        `json:"title"`
	Status          SubtaskStatus `json:"status"`
	Assignees       []string      `json:"assignees,omitempty"`
	EstimateSeconds int64         `json:"estimateSeconds"`
	ActualSeconds   int64         `json:"actualSeconds"`
}
