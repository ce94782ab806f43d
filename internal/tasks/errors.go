package tasks

import "errors"

var (
	// ErrInvalidID is returned when a task id is empty or not in the backend's timestamp format.
	ErrInvalidID = errors.New("task id must have the form YYYY-MM-DD-hh-mm-ss-mmm")
	// ErrUnknownTask is returned when the registry holds no task with the given id.
	ErrUnknownTask = errors.New("task was not submitted through this console")
)
