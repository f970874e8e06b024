package domain

// TaskStatus is the kanban column a task sits in. The workflow is ordered
// but no transition is enforced: any column-to-column move is legal.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
)

// ValidTaskStatus reports whether s names a known column.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskReview, TaskDone:
		return true
	}
	return false
}

// MaxAssigneesPreview caps the cached assignee ids on a task card.
const MaxAssigneesPreview = 3

// GoalLink ties a task to the key result its completion feeds.
type GoalLink struct {
	ObjectiveID string `json:"objectiveId"`
	KeyResultID string `json:"keyResultId"`
}

// TaskAggregates is the roll-up of a task's subtasks.
type TaskAggregates struct {
	TotalSubtasks        int   `json:"totalSubtasks"`
	CompletedSubtasks    int   `json:"completedSubtasks"`
	TotalEstimateSeconds int64 `json:"totalEstimateSeconds"`
	TotalActualSeconds   int64 `json:"totalActualSeconds"`
}

// Task is a unit of work on a project board.
type Task struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"projectId"`
	Title            string         `json:"title"`
	Status           TaskStatus     `json:"status"`
	AssigneesPreview []string       `json:"assigneesPreview,omitempty"`
	GoalLink         *GoalLink      `json:"goalLink,omitempty"`
	Aggregates       TaskAggregates `json:"aggregates"`
}

// Aggregate computes task aggregates from the live subtask set. The numbers
// are a pure function of the subtasks; the stored copy is a cache.
func Aggregate(subs []Subtask) TaskAggregates {
	agg := TaskAggregates{TotalSubtasks: len(subs)}
	for _, s := range subs {
		if s.Status == SubtaskDone {
			agg.CompletedSubtasks++
		}
		agg.TotalEstimateSeconds += s.EstimateSeconds
		agg.TotalActualSeconds += s.ActualSeconds
	}
	return agg
}
