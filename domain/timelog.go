package domain

import "time"

// TimeLog records one completed timer interval. Logs are written only by
// the atomic stop-timer batch and are never mutated or deleted.
type TimeLog struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TaskID    string    `json:"taskId"`
	SubtaskID string    `json:"subtaskId"`
	Seconds   int64     `json:"seconds"`
	CreatedAt time.Time `json:"createdAt"`
}
