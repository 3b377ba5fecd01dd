package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GlacierEQ/God-Mind/state"
)

const (
	// Key prefixes for state store.
	taskPrefix        = "tasks.task."
	idempotencyPrefix = "tasks.idem."
)

// Manager implements TaskManager using a state store backend.
type Manager struct {
	store  state.StateStore
	mu     sync.RWMutex
	closed atomic.Bool
	idGen  func() string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		m.idGen = gen
	}
}

// NewManager creates a new task manager backed by the given state store.
func NewManager(store state.StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		idGen: generateID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit creates a new task or returns the existing task ID if
// a task with the same IdempotencyKey already exists.
func (m *Manager) Submit(ctx context.Context, task Task) (string, error) {
	if m.closed.Load() {
		return "", ErrStoreClosed
	}

	if task.Provider == "" || task.Operation == "" {
		return "", ErrInvalidTask
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check idempotency key if provided
	if task.IdempotencyKey != "" {
		existingID, err := m.getIdempotencyKey(task.IdempotencyKey)
		if err == nil && existingID != "" {
			return existingID, nil
		}
	}

	// Generate ID if not provided
	if task.ID == "" {
		task.ID = m.idGen()
	}

	// Initialize task state
	task.Status = StatusPending
	task.Attempts = 0
	task.AgentID = ""
	task.CancelRequested = false
	task.NotBefore = time.Time{}
	task.CreatedAt = time.Now()
	task.DispatchedAt = nil
	task.StartedAt = nil
	task.CompletedAt = nil
	task.Result = nil
	task.Error = ""
	task.ErrorCode = ""

	// Store the task
	if err := m.saveTask(&task); err != nil {
		return "", err
	}

	// Store idempotency mapping if key provided
	if task.IdempotencyKey != "" {
		if err := m.setIdempotencyKey(task.IdempotencyKey, task.ID); err != nil {
			// Best effort - task is already saved
			_ = m.deleteTask(task.ID)
			return "", err
		}
	}

	return task.ID, nil
}

// MarkDispatched assigns a pending or retrying task to an agent and
// starts a new attempt.
func (m *Manager) MarkDispatched(ctx context.Context, taskID, agentID string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	if agentID == "" {
		return ErrInvalidAgentID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	if task.Status.IsTerminal() {
		return ErrTaskFinalized
	}
	if !CanTransition(task.Status, StatusDispatched) {
		return ErrInvalidTransition
	}

	now := time.Now()
	task.Status = StatusDispatched
	task.AgentID = agentID
	task.DispatchedAt = &now
	task.Attempts++

	return m.saveTask(task)
}

// MarkRunning records that the provider call for a dispatched task has begun.
func (m *Manager) MarkRunning(ctx context.Context, taskID, agentID string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	if agentID == "" {
		return ErrInvalidAgentID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	if task.Status.IsTerminal() {
		return ErrTaskFinalized
	}
	if !CanTransition(task.Status, StatusRunning) {
		return ErrInvalidTransition
	}
	if task.AgentID != agentID {
		return ErrWrongAgent
	}

	now := time.Now()
	task.Status = StatusRunning
	task.StartedAt = &now

	return m.saveTask(task)
}

// Complete finalizes a running task as succeeded with the given result.
func (m *Manager) Complete(ctx context.Context, taskID string, result []byte) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	if task.Status == StatusSucceeded {
		// Idempotent - already succeeded
		return nil
	}
	if task.Status.IsTerminal() {
		return ErrTaskFinalized
	}
	if !CanTransition(task.Status, StatusSucceeded) {
		return ErrInvalidTransition
	}

	now := time.Now()
	task.Status = StatusSucceeded
	task.CompletedAt = &now
	task.AgentID = ""
	if result != nil {
		task.Result = make([]byte, len(result))
		copy(task.Result, result)
	}

	return m.saveTask(task)
}

// Fail finalizes a task as permanently failed.
func (m *Manager) Fail(ctx context.Context, taskID, message, code string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	if task.Status == StatusFailed {
		// Idempotent - already failed
		return nil
	}
	if task.Status.IsTerminal() {
		return ErrTaskFinalized
	}
	if !CanTransition(task.Status, StatusFailed) {
		return ErrInvalidTransition
	}

	now := time.Now()
	task.Status = StatusFailed
	task.CompletedAt = &now
	task.AgentID = ""
	task.Error = message
	task.ErrorCode = code

	return m.saveTask(task)
}

// MarkRetrying moves a dispatched or running task back to the retry queue.
func (m *Manager) MarkRetrying(ctx context.Context, taskID, message, code string, notBefore time.Time) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	if task.Status == StatusRetrying {
		// Idempotent - already queued for retry
		return nil
	}
	if task.Status.IsTerminal() {
		return ErrTaskFinalized
	}
	if !CanTransition(task.Status, StatusRetrying) {
		return ErrInvalidTransition
	}
	if !task.RetriesRemaining() {
		return ErrMaxAttemptsReached
	}

	task.Status = StatusRetrying
	task.AgentID = ""
	task.NotBefore = notBefore
	task.Error = message
	task.ErrorCode = code

	return m.saveTask(task)
}

// RequestCancel requests cancellation of a task. Pending and retrying
// tasks are cancelled on the spot; dispatched and running tasks get
// the cooperative flag set and finish via Cancel or Complete,
// whichever commits first.
func (m *Manager) RequestCancel(ctx context.Context, taskID string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case StatusPending, StatusRetrying:
		now := time.Now()
		task.Status = StatusCancelled
		task.CompletedAt = &now
		task.CancelRequested = true
		if err := m.saveTask(task); err != nil {
			return nil, err
		}
	case StatusDispatched, StatusRunning:
		if !task.CancelRequested {
			task.CancelRequested = true
			if err := m.saveTask(task); err != nil {
				return nil, err
			}
		}
	default:
		// Terminal - nothing to do
	}

	return task.Clone(), nil
}

// Cancel finalizes a non-terminal task as cancelled.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	if task.Status == StatusCancelled {
		// Idempotent - already cancelled
		return nil
	}
	if task.Status.IsTerminal() {
		return ErrTaskFinalized
	}

	now := time.Now()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	task.AgentID = ""

	return m.saveTask(task)
}

// Get retrieves a task by ID.
func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return nil, err
	}

	return task.Clone(), nil
}

// GetByIdempotencyKey retrieves a task by its idempotency key.
func (m *Manager) GetByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	if key == "" {
		return nil, ErrTaskNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	taskID, err := m.getIdempotencyKey(key)
	if err != nil || taskID == "" {
		return nil, ErrTaskNotFound
	}

	task, err := m.loadTask(taskID)
	if err != nil {
		return nil, err
	}

	return task.Clone(), nil
}

// List returns all tasks matching the given status filter.
func (m *Manager) List(ctx context.Context, status TaskStatus) ([]*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys, err := m.store.Keys(taskPrefix + "*")
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	for _, key := range keys {
		taskID := strings.TrimPrefix(key, taskPrefix)
		task, err := m.loadTask(taskID)
		if err != nil {
			continue
		}

		if status == "" || task.Status == status {
			tasks = append(tasks, task.Clone())
		}
	}

	return tasks, nil
}

// CountByStatus returns the number of tasks in each state.
func (m *Manager) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys, err := m.store.Keys(taskPrefix + "*")
	if err != nil {
		return nil, err
	}

	counts := make(map[TaskStatus]int)
	for _, key := range keys {
		taskID := strings.TrimPrefix(key, taskPrefix)
		task, err := m.loadTask(taskID)
		if err != nil {
			continue
		}
		counts[task.Status]++
	}

	return counts, nil
}

// Delete removes a task by ID.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}

	// Only allow deleting terminal tasks
	if !task.Status.IsTerminal() {
		return ErrTaskActive
	}

	// Delete idempotency mapping if exists
	if task.IdempotencyKey != "" {
		_ = m.deleteIdempotencyKey(task.IdempotencyKey)
	}

	return m.deleteTask(taskID)
}

// Close releases resources held by the manager.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return nil
}

// Internal methods

func (m *Manager) loadTask(taskID string) (*Task, error) {
	data, err := m.store.Get(taskPrefix + taskID)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}

	return &task, nil
}

func (m *Manager) saveTask(task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	return m.store.Put(taskPrefix+task.ID, data, 0)
}

func (m *Manager) deleteTask(taskID string) error {
	return m.store.Delete(taskPrefix + taskID)
}

func (m *Manager) getIdempotencyKey(key string) (string, error) {
	data, err := m.store.Get(idempotencyPrefix + key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Manager) setIdempotencyKey(key, taskID string) error {
	return m.store.Put(idempotencyPrefix+key, []byte(taskID), 0)
}

func (m *Manager) deleteIdempotencyKey(key string) error {
	return m.store.Delete(idempotencyPrefix + key)
}

// generateID creates a unique task ID.
func generateID() string {
	return uuid.NewString()
}
