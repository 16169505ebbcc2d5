package taskqueue

import (
	"time"

	"github.com/tailored-agentic-units/fabric/messaging"
)

// DefaultQueue is the queue tasks land on when no name is given.
const DefaultQueue = "default"

// Status is a task's lifecycle state.
type Status string

const (
	// StatusPending marks a task ready to be claimed.
	StatusPending Status = "pending"

	// StatusBlocked marks a task waiting on unmet dependencies.
	StatusBlocked Status = "blocked"

	// StatusAssigned marks a task claimed by a worker but not yet started.
	StatusAssigned Status = "assigned"

	// StatusInProgress marks a task a worker is actively executing.
	StatusInProgress Status = "in_progress"

	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal failure: the retry budget is spent, the
	// deadline passed, or a dependency can no longer be satisfied.
	StatusFailed Status = "failed"

	// StatusCanceled is terminal cancellation.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Dependency gates a task on another task reaching a status. The dependent
// stays blocked until the dependency is observed at RequiredStatus; a
// dependency that lands in a different terminal status fails the dependent.
type Dependency struct {
	TaskID string `json:"task_id"`

	// RequiredStatus defaults to completed when empty.
	RequiredStatus Status `json:"required_status,omitempty"`
}

func (d Dependency) required() Status {
	if d.RequiredStatus == "" {
		return StatusCompleted
	}
	return d.RequiredStatus
}

// Task is one unit of work in the queue.
type Task struct {
	ID       string             `json:"id"`
	Queue    string             `json:"queue"`
	Type     string             `json:"type"`
	Payload  any                `json:"payload,omitempty"`
	Priority messaging.Priority `json:"priority"`
	Status   Status             `json:"status"`

	// CreatedBy identifies the enqueuer; AssignedTo the claiming worker.
	CreatedBy  string `json:"created_by,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`

	// DependsOn lists the tasks that must reach their required statuses
	// before this task becomes claimable.
	DependsOn []Dependency `json:"depends_on,omitempty"`

	// Deadline, when set, makes the task fail instead of being claimed
	// once the time has passed.
	Deadline time.Time `json:"deadline"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// RetryCount counts failed attempts so far. The task is requeued while
	// RetryCount has not passed MaxRetries, so MaxRetries of N allows N+1
	// attempts in total.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spec describes a task to enqueue. Zero MaxRetries falls back to the
// queue's configured default.
type Spec struct {
	Type       string
	Payload    any
	Priority   messaging.Priority
	CreatedBy  string
	DependsOn  []Dependency
	Deadline   time.Time
	MaxRetries int
}
