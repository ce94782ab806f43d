package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFiles is returned when an upload carries no images.
	ErrNoFiles = errors.New("upload requires at least one file")
	// ErrInvalidTaskID is returned when a task id is empty.
	ErrInvalidTaskID = errors.New("task id must not be empty")
	// ErrTaskNotFound is returned when the backend has no output for a task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNoOverlays is returned when a task finished without overlay images.
	ErrNoOverlays = errors.New("no overlay images")
	// ErrBackendRejected is returned when the backend answers with ok=false.
	ErrBackendRejected = errors.New("backend rejected request")
)

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}
