package domain

import "time"

// StaleTimerThreshold marks a timer that has been left running long enough
// to need human attention. Stale timers are flagged, never auto-stopped.
const StaleTimerThreshold = 24 * time.Hour

// ActiveTimer is the single in-progress time-tracking session of a user,
// embedded in the user document. StartTime is authoritative server time;
// LocalStartTime is an ISO fallback recorded by the caller for display
// before the server round-trip resolves.
type ActiveTimer struct {
	IsRunning      bool      `json:"isRunning"`
	TaskID         string    `json:"taskId"`
	SubtaskID      string    `json:"subtaskId"`
	ProjectID      string    `json:"projectId"`
	StartTime      time.Time `json:"startTime"`
	LocalStartTime string    `json:"localStartTime,omitempty"`
}

// StartedAt returns the server start time, falling back to the local ISO
// stamp when the server timestamp never resolved.
func (t *ActiveTimer) StartedAt() time.Time {
	if !t.StartTime.IsZero() {
		return t.StartTime
	}
	if t.LocalStartTime != "" {
		if ts, err := time.Parse(time.RFC3339, t.LocalStartTime); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Role is the coarse permission level of a user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDirector Role = "director"
	RoleManager  Role = "manager"
	RoleMember   Role = "member"
)

// User is the profile document; ActiveTimer is nil when idle.
type User struct {
	ID          string       `json:"id"`
	Email       string       `json:"email"`
	DisplayName string       `json:"displayName,omitempty"`
	Role        Role         `json:"role"`
	ActiveTimer *ActiveTimer `json:"activeTimer,omitempty"`
}
