// Package scheduler orders tasks by a priority score derived from
// tier, deadline proximity, and dependencies, dispatches ready tasks
// over the bus, and tracks agent state through bus events (Captain).
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentpost/internal/message"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// allowedTransitions is the forward-only state machine. blocked,
// cancelled, and timeout are terminal side-exits; nothing leads back
// out of a terminal state.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusBlocked:   {},
		StatusCancelled: {},
		StatusTimeout:   {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusBlocked:   {},
		StatusCancelled: {},
		StatusTimeout:   {},
	},
}

// Terminal reports whether a status has no outgoing transitions.
func (s Status) Terminal() bool {
	_, ok := allowedTransitions[s]
	return !ok
}

// ErrInvalidTransition rejects task status updates the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid task status transition")

// ErrValidation wraps malformed task definitions.
var ErrValidation = errors.New("task validation failed")

// overdueScore is the forced score for a task past its deadline.
const overdueScore = 200

// Task is a unit of work assigned to an agent. The scheduler owns
// active tasks exclusively; the bus only sees notification copies.
type Task struct {
	ID          string            `json:"task_id"`
	AgentID     string            `json:"agent_id"`
	Description string            `json:"description"`
	Priority    message.Priority  `json:"priority"`
	CreatedAt   time.Time         `json:"created_at"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	DependsOn   []string          `json:"dependencies,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      Status            `json:"status"`
}

// NewTask builds a pending task with a fresh id.
func NewTask(agentID, description string, priority message.Priority) *Task {
	if priority == 0 {
		priority = message.PriorityNormal
	}
	return &Task{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Description: description,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusPending,
	}
}

// Validate checks the fields the scheduler relies on.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil task", ErrValidation)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: empty task_id", ErrValidation)
	}
	if t.AgentID == "" {
		return fmt.Errorf("%w: empty agent_id", ErrValidation)
	}
	if t.Description == "" {
		return fmt.Errorf("%w: empty description", ErrValidation)
	}
	return nil
}

// Transition advances Status along the forward-only state machine.
func (t *Task) Transition(next Status) error {
	allowed, ok := allowedTransitions[t.Status]
	if !ok {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.Status)
	}
	if _, ok := allowed[next]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// Overdue reports whether the deadline has passed.
func (t *Task) Overdue(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// Score computes the scheduling priority: the tier's base value scaled
// by deadline proximity (1.5x within an hour, 1.2x within a day),
// forced to 200 once overdue, with an extra 1.1x for tasks that carry
// dependencies.
func (t *Task) Score(now time.Time) float64 {
	score := t.Priority.BaseScore()
	if t.Deadline != nil {
		switch until := t.Deadline.Sub(now); {
		case until <= 0:
			score = overdueScore
		case until <= time.Hour:
			score *= 1.5
		case until <= 24*time.Hour:
			score *= 1.2
		}
	}
	if len(t.DependsOn) > 0 {
		score *= 1.1
	}
	return score
}
