package scheduler

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentpost/internal/message"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// RecurringSpec describes a cron-fired task template. Each firing
// creates an ordinary pending task for the target agent.
type RecurringSpec struct {
	Name        string            `yaml:"name"`
	AgentID     string            `yaml:"agent_id"`
	Description string            `yaml:"description"`
	Priority    string            `yaml:"priority"` // tier name, defaults to NORMAL
	Cron        string            `yaml:"cron"`
	Metadata    map[string]string `yaml:"metadata"`
}

type recurringEntry struct {
	spec     RecurringSpec
	schedule cronlib.Schedule
	next     time.Time
}

// AddRecurring registers a cron schedule. The first firing is the next
// cron match after now.
func (s *Scheduler) AddRecurring(spec RecurringSpec) error {
	if spec.AgentID == "" || spec.Description == "" {
		return fmt.Errorf("%w: recurring schedule %q needs agent_id and description", ErrValidation, spec.Name)
	}
	sched, err := cronParser.Parse(spec.Cron)
	if err != nil {
		return fmt.Errorf("parse cron %q for %q: %w", spec.Cron, spec.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recurring = append(s.recurring, &recurringEntry{
		spec:     spec,
		schedule: sched,
		next:     sched.Next(time.Now()),
	})
	s.logger.Info("recurring schedule registered",
		"name", spec.Name, "agent_id", spec.AgentID, "cron", spec.Cron)
	return nil
}

// ReplaceRecurring swaps the whole schedule set, used on config
// reload. Specs that fail to parse are skipped with an error log; the
// valid ones still take effect.
func (s *Scheduler) ReplaceRecurring(specs []RecurringSpec) {
	s.mu.Lock()
	s.recurring = nil
	s.mu.Unlock()

	for _, spec := range specs {
		if err := s.AddRecurring(spec); err != nil {
			s.logger.Error("recurring schedule skipped", "name", spec.Name, "error", err)
		}
	}
}

// fireDue creates tasks for every schedule whose next fire time has
// passed, then advances it. Called from the scheduling pass.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []RecurringSpec
	for _, r := range s.recurring {
		for !r.next.After(now) {
			due = append(due, r.spec)
			r.next = r.schedule.Next(r.next)
		}
	}
	s.mu.Unlock()

	for _, spec := range due {
		task := NewTask(spec.AgentID, spec.Description, message.ParsePriority(spec.Priority))
		if spec.Metadata != nil {
			task.Metadata = make(map[string]string, len(spec.Metadata)+1)
			for k, v := range spec.Metadata {
				task.Metadata[k] = v
			}
		} else {
			task.Metadata = make(map[string]string, 1)
		}
		task.Metadata["schedule"] = spec.Name
		if err := s.Schedule(ctx, task); err != nil {
			s.logger.Error("recurring task rejected", "name", spec.Name, "error", err)
			continue
		}
		s.logger.Info("recurring task created", "name", spec.Name, "task_id", task.ID)
	}
}
