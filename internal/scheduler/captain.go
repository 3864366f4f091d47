package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/agentpost/internal/archive"
	"github.com/basket/agentpost/internal/bus"
	"github.com/basket/agentpost/internal/message"
	"github.com/basket/agentpost/internal/state"
)

// CaptainTopic is the bus recipient agents address their system events
// to.
const CaptainTopic = "captain"

// Event names carried in the "event" metadata key of system messages.
const (
	EventAgentRegistered = "agent_registered"
	EventAgentError      = "agent_error"
	EventTaskCompleted   = "task_completed"
	EventTaskFailed      = "task_failed"
)

// AgentSnapshot is the Captain's view of one agent, derived from
// inbound bus events.
type AgentSnapshot struct {
	AgentID        string    `json:"agent_id"`
	Status         string    `json:"status"`
	LastSeen       time.Time `json:"last_seen"`
	Errors         int       `json:"errors"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
}

// Captain assigns tasks to agents and tracks their aggregate state via
// bus events. Completed tasks are written to the archive.
type Captain struct {
	sched   *Scheduler
	bus     *bus.Bus
	archive *archive.Store // optional
	states  *state.Manager // optional
	logger  *slog.Logger

	mu     sync.Mutex
	agents map[string]*AgentSnapshot

	sub *bus.Subscription
}

// NewCaptain wires a Captain to the bus and scheduler. The archive and
// state manager may be nil; history queries and persisted agent state
// are then skipped.
func NewCaptain(sched *Scheduler, b *bus.Bus, arch *archive.Store, states *state.Manager, logger *slog.Logger) *Captain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Captain{
		sched:   sched,
		bus:     b,
		archive: arch,
		states:  states,
		logger:  logger,
		agents:  make(map[string]*AgentSnapshot),
	}
	c.sub = b.Subscribe(CaptainTopic, c.handle)
	return c
}

// Close detaches the Captain from the bus.
func (c *Captain) Close() {
	c.bus.Unsubscribe(c.sub)
}

// AssignTask creates and schedules a task for an agent.
func (c *Captain) AssignTask(ctx context.Context, agentID, description string, priority message.Priority, opts ...TaskOption) (*Task, error) {
	task := NewTask(agentID, description, priority)
	for _, opt := range opts {
		opt(task)
	}
	if err := c.sched.Schedule(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// TaskOption adjusts a task before it is scheduled.
type TaskOption func(*Task)

// WithDeadline sets the task deadline.
func WithDeadline(deadline time.Time) TaskOption {
	return func(t *Task) { t.Deadline = &deadline }
}

// WithDependencies gates the task on other task ids.
func WithDependencies(ids ...string) TaskOption {
	return func(t *Task) { t.DependsOn = append(t.DependsOn, ids...) }
}

// WithMetadata attaches metadata to the task.
func WithMetadata(meta map[string]string) TaskOption {
	return func(t *Task) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			t.Metadata[k] = v
		}
	}
}

// ActiveTasks returns the scheduler's queued and running tasks.
func (c *Captain) ActiveTasks() []*Task {
	return c.sched.ActiveTasks()
}

// TaskHistory returns archived terminal tasks for an agent, most
// recent first.
func (c *Captain) TaskHistory(ctx context.Context, agentID string, limit int) ([]archive.TaskRecord, error) {
	if c.archive == nil {
		return nil, nil
	}
	return c.archive.TaskHistory(ctx, agentID, limit)
}

// AgentStates returns a copy of the per-agent snapshots.
func (c *Captain) AgentStates() map[string]AgentSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]AgentSnapshot, len(c.agents))
	for id, snap := range c.agents {
		out[id] = *snap
	}
	return out
}

// Agents returns the known agent ids in stable order.
func (c *Captain) Agents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.agents))
	for id := range c.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// handle consumes one system message addressed to the captain. It runs
// on the subscription's consumer goroutine.
func (c *Captain) handle(msg *message.Message) {
	event := msg.Metadata[MetaEvent]
	agentID := msg.Sender
	now := time.Now().UTC()

	switch event {
	case EventAgentRegistered:
		c.touch(agentID, func(s *AgentSnapshot) {
			s.Status = "registered"
			s.LastSeen = now
		})
		c.persistStatus(agentID, "idle")
		c.logger.Info("agent registered", "agent_id", agentID)

	case EventAgentError:
		c.touch(agentID, func(s *AgentSnapshot) {
			s.Status = "error"
			s.LastSeen = now
			s.Errors++
		})
		c.persistStatus(agentID, "error")
		c.logger.Warn("agent reported error", "agent_id", agentID, "detail", msg.Content)

	case EventTaskCompleted, EventTaskFailed:
		c.resolveTask(msg, event == EventTaskCompleted, now)

	default:
		c.logger.Debug("ignoring captain message", "event", event, "sender", agentID)
	}
}

// resolveTask closes out a dispatched task reported done by its agent.
func (c *Captain) resolveTask(msg *message.Message, success bool, now time.Time) {
	taskID := msg.Metadata[MetaTaskID]
	if taskID == "" {
		c.logger.Warn("task event without task_id", "sender", msg.Sender)
		return
	}

	ctx := context.Background()
	task, ok := c.sched.Complete(ctx, taskID, success)
	if !ok {
		c.logger.Warn("completion for unknown task", "task_id", taskID, "sender", msg.Sender)
		return
	}

	c.touch(task.AgentID, func(s *AgentSnapshot) {
		s.LastSeen = now
		s.Status = "idle"
		if success {
			s.TasksCompleted++
		} else {
			s.TasksFailed++
		}
	})
	c.persistStatus(task.AgentID, "idle")

	if c.archive != nil {
		rec := archive.TaskRecord{
			TaskID:      task.ID,
			AgentID:     task.AgentID,
			Description: task.Description,
			Priority:    task.Priority.String(),
			Status:      string(task.Status),
			CreatedAt:   task.CreatedAt,
			FinishedAt:  now,
		}
		if err := c.archive.RecordTask(ctx, rec); err != nil {
			c.logger.Error("archive task record failed", "task_id", task.ID, "error", err)
		}
	}
	c.logger.Info("task resolved", "task_id", task.ID, "status", task.Status)
}

// persistStatus mirrors the agent's status into the schema-validated
// state store, when one is configured.
func (c *Captain) persistStatus(agentID, status string) {
	if c.states == nil || agentID == "" {
		return
	}
	if _, err := c.states.UpdateState(context.Background(), agentID, state.StateUpdate{Status: &status}); err != nil {
		c.logger.Error("persist agent status failed", "agent_id", agentID, "error", err)
	}
}

func (c *Captain) touch(agentID string, update func(*AgentSnapshot)) {
	if agentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.agents[agentID]
	if !ok {
		snap = &AgentSnapshot{AgentID: agentID}
		c.agents[agentID] = snap
	}
	update(snap)
}
