package tasks

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry keeps the tasks submitted during this process's lifetime.
type Registry interface {
	Record(task Task) error
	Get(id string) (Task, error)
	UpdateState(id, state, detail string) (Task, error)
	List() []Task
}

// MemoryRegistry keeps tasks in-memory and guards access with a RWMutex.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tasks map[string]Task
	clock func() time.Time
}

// RegistryOption configures MemoryRegistry behaviour.
type RegistryOption func(*MemoryRegistry)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *MemoryRegistry) {
		r.clock = clock
	}
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry(opts ...RegistryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		tasks: make(map[string]Task),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores a task, replacing any earlier entry with the same id.
// A zero SubmittedAt is filled from the id, falling back to the clock.
func (r *MemoryRegistry) Record(task Task) error {
	task.ID = strings.TrimSpace(task.ID)
	if task.ID == "" {
		return ErrInvalidID
	}

	now := r.clock()
	if task.SubmittedAt.IsZero() {
		if ts, err := ParseID(task.ID); err == nil {
			task.SubmittedAt = ts.UTC()
		} else {
			task.SubmittedAt = now
		}
	}
	if task.State == "" {
		task.State = StateRunning
	}
	task.UpdatedAt = now

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()

	return nil
}

// Get returns the task with the given id.
func (r *MemoryRegistry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrUnknownTask
	}
	return task, nil
}

// UpdateState stores the latest backend state for a known task.
func (r *MemoryRegistry) UpdateState(id, state, detail string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrUnknownTask
	}
	task.State = state
	task.Detail = detail
	task.UpdatedAt = r.clock()
	r.tasks[id] = task

	return task, nil
}

// List returns a copy of all tasks, newest submission first.
func (r *MemoryRegistry) List() []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}
