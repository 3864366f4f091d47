package scheduler

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/basket/agentpost/internal/message"
)

// scoreNear compares float scores with a tolerance; the multiplier
// chain accumulates rounding error.
func scoreNear(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestScore_BaseTiers(t *testing.T) {
	now := time.Now()
	cases := []struct {
		priority message.Priority
		want     float64
	}{
		{message.PriorityCritical, 100},
		{message.PriorityHigh, 75},
		{message.PriorityNormal, 50},
		{message.PriorityLow, 25},
	}
	for _, tc := range cases {
		task := NewTask("agent-1", "work", tc.priority)
		if got := task.Score(now); !scoreNear(got, tc.want) {
			t.Errorf("%s score = %v, want %v", tc.priority, got, tc.want)
		}
	}
}

func TestScore_DeadlineMultipliers(t *testing.T) {
	now := time.Now()

	task := NewTask("agent-1", "work", message.PriorityNormal)
	soon := now.Add(30 * time.Minute)
	task.Deadline = &soon
	if got := task.Score(now); !scoreNear(got, 75) { // 50 * 1.5
		t.Errorf("within-hour score = %v, want 75", got)
	}

	today := now.Add(6 * time.Hour)
	task.Deadline = &today
	if got := task.Score(now); !scoreNear(got, 60) { // 50 * 1.2
		t.Errorf("within-day score = %v, want 60", got)
	}

	far := now.Add(48 * time.Hour)
	task.Deadline = &far
	if got := task.Score(now); !scoreNear(got, 50) {
		t.Errorf("far deadline score = %v, want 50", got)
	}

	past := now.Add(-time.Minute)
	task.Deadline = &past
	if got := task.Score(now); !scoreNear(got, 200) {
		t.Errorf("overdue score = %v, want 200", got)
	}
}

func TestScore_DependencyBoost(t *testing.T) {
	now := time.Now()
	task := NewTask("agent-1", "work", message.PriorityCritical)
	task.DependsOn = []string{"other"}
	if got := task.Score(now); !scoreNear(got, 110) { // 100 * 1.1
		t.Errorf("score = %v, want 110", got)
	}

	// Overdue wins over the dependency boost.
	past := now.Add(-time.Minute)
	task.Deadline = &past
	if got := task.Score(now); !scoreNear(got, 220) { // 200 * 1.1
		t.Errorf("overdue dependent score = %v, want 220", got)
	}
}

func TestTransition_ForwardOnly(t *testing.T) {
	task := NewTask("agent-1", "work", message.PriorityNormal)

	if err := task.Transition(StatusRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	if err := task.Transition(StatusCompleted); err != nil {
		t.Fatalf("running->completed: %v", err)
	}
	if err := task.Transition(StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed->running err = %v, want ErrInvalidTransition", err)
	}
	if !StatusCompleted.Terminal() {
		t.Fatal("completed should be terminal")
	}
	if StatusPending.Terminal() {
		t.Fatal("pending should not be terminal")
	}
}

func TestTransition_PendingCannotComplete(t *testing.T) {
	task := NewTask("agent-1", "work", message.PriorityNormal)
	if err := task.Transition(StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed err = %v, want ErrInvalidTransition", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("status mutated to %s on rejected transition", task.Status)
	}
}

func TestValidate_RejectsMissingFields(t *testing.T) {
	task := NewTask("", "work", message.PriorityNormal)
	if err := task.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty agent err = %v, want ErrValidation", err)
	}
	task = NewTask("agent-1", "", message.PriorityNormal)
	if err := task.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty description err = %v, want ErrValidation", err)
	}
}
