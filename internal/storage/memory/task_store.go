// Package memory holds the in-process task store. Every mutation enforces
// the task lifecycle, so a lost queue message can never resurrect a
// finished task.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pixvault/harvester/internal/harvest"
)

// TaskStore keeps tasks in a map guarded by a single mutex. Reads return
// copies so callers can never mutate stored state.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*harvest.Task
	clock harvest.Clock
}

// NewTaskStore builds an empty store.
func NewTaskStore(clock harvest.Clock) *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*harvest.Task),
		clock: clock,
	}
}

// CreateTask registers a new task. The caller supplies the ID.
func (s *TaskStore) CreateTask(_ context.Context, task harvest.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	cp := task
	s.tasks[task.ID] = &cp
	return nil
}

// GetTask returns a copy of the task.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (harvest.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return harvest.Task{}, harvest.ErrTaskNotFound
	}
	return *task, nil
}

// UpdateTaskStatus moves a task through its lifecycle, recording attempt
// count, error text and the start/finish timestamps.
func (s *TaskStore) UpdateTaskStatus(_ context.Context, taskID string, status harvest.TaskStatus, errText string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return harvest.ErrTaskNotFound
	}
	if !harvest.CanTransition(task.Status, status) {
		return fmt.Errorf("%w: %s -> %s", harvest.ErrInvalidTransition, task.Status, status)
	}
	now := s.clock.Now()
	if status == harvest.TaskStatusRunning && task.Started == nil {
		t := now
		task.Started = &t
	}
	if status.Terminal() {
		t := now
		task.Finished = &t
	}
	task.Status = status
	task.ErrorText = errText
	if attempts > task.Attempts {
		task.Attempts = attempts
	}
	return nil
}

// SetTaskResult attaches a result document to the task.
func (s *TaskStore) SetTaskResult(_ context.Context, taskID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return harvest.ErrTaskNotFound
	}
	task.Result = result
	return nil
}

// RequestCancel asks for cancellation and returns the status after the
// request. Queued tasks cancel immediately; a running task is flagged and
// its worker stops at the next attempt boundary. Terminal tasks are left
// alone.
func (s *TaskStore) RequestCancel(_ context.Context, taskID string) (harvest.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return "", harvest.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return task.Status, nil
	}
	task.CancelRequested = true
	if task.Status == harvest.TaskStatusPending || task.Status == harvest.TaskStatusRetrying {
		t := s.clock.Now()
		task.Finished = &t
		task.Status = harvest.TaskStatusCancelled
	}
	return task.Status, nil
}

// Len reports how many tasks the store holds.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
