package domain

import "time"

// ProjectStats is the coarse task roll-up shown on the project list.
type ProjectStats struct {
	TotalTasks     int `json:"totalTasks"`
	CompletedTasks int `json:"completedTasks"`
}

// Project groups tasks, subtasks and objectives under one board.
type Project struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	OwnerID     string       `json:"ownerId,omitempty"`
	Members     []string     `json:"members,omitempty"`
	Stats       ProjectStats `json:"stats"`
	CreatedAt   time.Time    `json:"createdAt,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt,omitempty"`
}
