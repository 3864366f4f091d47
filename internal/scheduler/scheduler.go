package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/agentpost/internal/bus"
	"github.com/basket/agentpost/internal/message"
	"github.com/basket/agentpost/internal/otel"
)

const defaultInterval = 500 * time.Millisecond

// SenderID is the bus sender name for scheduler dispatches.
const SenderID = "scheduler"

// Metadata keys on dispatched task messages.
const (
	MetaTaskID = "task_id"
	MetaEvent  = "event"
)

type entry struct {
	task  *Task
	score float64
	seq   uint64
	index int
}

// taskHeap is a max-heap: highest score first, then earliest insertion.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Config holds the dependencies for a Scheduler.
type Config struct {
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Interval time.Duration // tick interval; defaults to 500ms if zero
}

// Scheduler holds the priority queue of pending tasks and the set of
// dispatched tasks awaiting completion. A task id counts as "active"
// while it is in either set; dependents stay gated until their
// dependencies leave both.
type Scheduler struct {
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	interval time.Duration

	mu      sync.Mutex
	queue   taskHeap
	entries map[string]*entry // queued, not yet dispatched
	running map[string]*Task  // dispatched, awaiting completion
	seq     uint64

	recurring []*recurringEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		bus:      cfg.Bus,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
		entries:  make(map[string]*entry),
		running:  make(map[string]*Task),
	}
}

// Schedule validates the task, computes its priority score, and pushes
// it into the queue.
func (s *Scheduler) Schedule(ctx context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Status == "" {
		task.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		task:  task,
		score: task.Score(time.Now()),
		seq:   s.seq,
	}
	s.seq++
	heap.Push(&s.queue, e)
	s.entries[task.ID] = e

	if s.metrics != nil {
		s.metrics.TasksScheduled.Add(ctx, 1)
	}
	s.logger.Debug("task scheduled",
		"task_id", task.ID, "agent_id", task.AgentID, "score", e.score)
	return nil
}

// Cancel removes a task that is still queued. Dispatched or unknown
// tasks return false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.entries, id)
	if err := e.task.Transition(StatusCancelled); err != nil {
		s.logger.Warn("cancel transition rejected", "task_id", id, "error", err)
	}
	return true
}

// Complete resolves a dispatched task. It returns the task and true
// when the id was running; unknown or still-queued ids return false.
func (s *Scheduler) Complete(ctx context.Context, id string, success bool) (*Task, bool) {
	next := StatusCompleted
	if !success {
		next = StatusFailed
	}

	s.mu.Lock()
	task, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	// Transition before removing from the running set so a rejected
	// update cannot strand the task outside every set.
	if err := task.Transition(next); err != nil {
		s.mu.Unlock()
		s.logger.Warn("completion transition rejected",
			"task_id", id, "from", task.Status, "to", next, "error", err)
		return task, false
	}
	delete(s.running, id)
	s.mu.Unlock()

	if s.metrics != nil {
		if success {
			s.metrics.TasksCompleted.Add(ctx, 1)
		} else {
			s.metrics.TasksFailed.Add(ctx, 1)
		}
	}
	return task, true
}

// ActiveTasks returns a snapshot of queued and running tasks.
func (s *Scheduler) ActiveTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.entries)+len(s.running))
	for _, e := range s.entries {
		out = append(out, e.task)
	}
	for _, t := range s.running {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// activeLocked reports whether a task id is queued or running.
// Callers hold mu.
func (s *Scheduler) activeLocked(id string) bool {
	if _, ok := s.entries[id]; ok {
		return true
	}
	_, ok := s.running[id]
	return ok
}

// readyLocked applies the gating rule: every dependency absent from the
// active set, or the task is overdue. Callers hold mu.
func (s *Scheduler) readyLocked(t *Task, now time.Time) bool {
	if t.Overdue(now) {
		return true
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			continue
		}
		if s.activeLocked(dep) {
			return false
		}
	}
	return true
}

// Start begins the scheduling loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scheduling pass: fire due recurring
// schedules, then dispatch every ready task in score order. Non-ready
// tasks stay queued for the next pass. Exported so tests and the
// doctor drill can drive the scheduler without the background loop.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.fireDue(ctx, time.Now())

	// Bound the pass by the queue length at entry so a failing dispatch
	// that requeues cannot spin this loop forever.
	s.mu.Lock()
	budget := len(s.queue)
	s.mu.Unlock()

	for i := 0; i < budget; i++ {
		task := s.takeReady()
		if task == nil {
			return
		}
		s.dispatch(ctx, task)
	}
}

// takeReady pops the highest-scored ready task, moving it from the
// queue to the running set. Returns nil when nothing is ready.
func (s *Scheduler) takeReady() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	// Scan in score order; the first ready entry wins.
	ordered := make([]*entry, len(s.queue))
	copy(ordered, s.queue)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].seq < ordered[j].seq
	})
	for _, e := range ordered {
		if !s.readyLocked(e.task, now) {
			continue
		}
		// A requeued task is already running; the state machine has no
		// way back to pending, so the status is left in place.
		if e.task.Status == StatusPending {
			if err := e.task.Transition(StatusRunning); err != nil {
				s.logger.Warn("run transition rejected, dropping task",
					"task_id", e.task.ID, "from", e.task.Status, "error", err)
				heap.Remove(&s.queue, e.index)
				delete(s.entries, e.task.ID)
				continue
			}
		}
		heap.Remove(&s.queue, e.index)
		delete(s.entries, e.task.ID)
		s.running[e.task.ID] = e.task
		return e.task
	}
	return nil
}

// dispatch sends the task to its agent through the bus and marks it
// running. A send failure requeues the task for the next pass.
func (s *Scheduler) dispatch(ctx context.Context, task *Task) {
	meta := map[string]string{MetaTaskID: task.ID}
	for k, v := range task.Metadata {
		if k != MetaTaskID {
			meta[k] = v
		}
	}

	_, err := s.bus.Send(ctx, bus.SendRequest{
		To:       task.AgentID,
		From:     SenderID,
		Content:  task.Description,
		Mode:     message.ModeTask,
		Kind:     message.KindCommand,
		Priority: task.Priority,
		Metadata: meta,
	})
	if err != nil {
		s.logger.Error("task dispatch failed, requeuing",
			"task_id", task.ID, "agent_id", task.AgentID, "error", err)
		s.requeue(task)
		return
	}

	if s.metrics != nil {
		s.metrics.TasksDispatched.Add(ctx, 1)
	}
	s.logger.Info("task dispatched", "task_id", task.ID, "agent_id", task.AgentID)
}

// requeue puts a task back in the queue after a failed dispatch. The
// status stays running; the next pass re-dispatches it as-is.
func (s *Scheduler) requeue(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, task.ID)
	e := &entry{
		task:  task,
		score: task.Score(time.Now()),
		seq:   s.seq,
	}
	s.seq++
	heap.Push(&s.queue, e)
	s.entries[task.ID] = e
}
