package tasks

import "time"

// Known task states reported by the backend.
const (
	StateRunning  = "running"
	StateSuccess  = "success"
	StateFailed   = "failed"
	StateNotFound = "not_found"
)

// Task is a segmentation job submitted through the console.
type Task struct {
	ID          string    `json:"id"`
	Files       int       `json:"files"`
	Model       string    `json:"model"`
	State       string    `json:"state"`
	Detail      string    `json:"detail,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Terminal reports whether the task will not change state again.
func (t Task) Terminal() bool {
	return t.State == StateSuccess || t.State == StateFailed
}
