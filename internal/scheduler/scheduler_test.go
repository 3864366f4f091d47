package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentpost/internal/bus"
	"github.com/basket/agentpost/internal/history"
	"github.com/basket/agentpost/internal/mailbox"
	"github.com/basket/agentpost/internal/message"
	"github.com/basket/agentpost/internal/router"
)

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	dir := t.TempDir()
	mb, err := mailbox.New(filepath.Join(dir, "mailbox.json"))
	if err != nil {
		t.Fatalf("mailbox: %v", err)
	}
	h, err := history.New(filepath.Join(dir, "history.json"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	b, err := bus.New(bus.Config{Mailbox: mb, History: h, Router: router.New(nil)})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Close(ctx)
	})
	return b
}

func newScheduler(t *testing.T) (*Scheduler, *bus.Bus) {
	t.Helper()
	b := newBus(t)
	return New(Config{Bus: b}), b
}

func TestRunOnce_DispatchesOverBus(t *testing.T) {
	s, b := newScheduler(t)
	ctx := context.Background()

	task := NewTask("agent-1", "summarize logs", message.PriorityHigh)
	task.Metadata = map[string]string{"repo": "core"}
	if err := s.Schedule(ctx, task); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.RunOnce(ctx)

	got := b.Receive("agent-1")
	if len(got) != 1 {
		t.Fatalf("mailbox len = %d, want 1", len(got))
	}
	msg := got[0]
	if msg.Mode != message.ModeTask || msg.Kind != message.KindCommand {
		t.Fatalf("mode/kind = %s/%s, want task/command", msg.Mode, msg.Kind)
	}
	if msg.Metadata[MetaTaskID] != task.ID {
		t.Fatalf("task_id metadata = %q, want %q", msg.Metadata[MetaTaskID], task.ID)
	}
	if msg.Metadata["repo"] != "core" {
		t.Fatal("task metadata not carried onto the message")
	}
	if task.Status != StatusRunning {
		t.Fatalf("task status = %s, want running", task.Status)
	}
}

func TestRunOnce_HigherScoreDispatchedFirst(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	low := NewTask("agent-1", "tidy", message.PriorityLow)
	crit := NewTask("agent-1", "restore service", message.PriorityCritical)
	if err := s.Schedule(ctx, low); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule(ctx, crit); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	first := s.takeReady()
	if first == nil || first.ID != crit.ID {
		t.Fatalf("first ready = %+v, want the critical task", first)
	}
	second := s.takeReady()
	if second == nil || second.ID != low.ID {
		t.Fatalf("second ready = %+v, want the low task", second)
	}
}

func TestRunOnce_FIFOWithinSameScore(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	first := NewTask("agent-1", "first", message.PriorityNormal)
	second := NewTask("agent-1", "second", message.PriorityNormal)
	if err := s.Schedule(ctx, first); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule(ctx, second); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if got := s.takeReady(); got == nil || got.ID != first.ID {
		t.Fatalf("got %+v, want the earlier-scheduled task", got)
	}
}

func TestDependencyGating(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	dep := NewTask("agent-1", "build", message.PriorityNormal)
	dependent := NewTask("agent-2", "deploy", message.PriorityCritical)
	dependent.DependsOn = []string{dep.ID}
	if err := s.Schedule(ctx, dep); err != nil {
		t.Fatalf("schedule dep: %v", err)
	}
	if err := s.Schedule(ctx, dependent); err != nil {
		t.Fatalf("schedule dependent: %v", err)
	}

	// The dependency is taken first despite the lower score; the
	// dependent stays gated while it is queued or running.
	got := s.takeReady()
	if got == nil || got.ID != dep.ID {
		t.Fatalf("first ready = %+v, want the dependency", got)
	}
	if got := s.takeReady(); got != nil {
		t.Fatalf("dependent dispatched while dependency still running: %+v", got)
	}

	if _, ok := s.Complete(ctx, dep.ID, true); !ok {
		t.Fatal("complete dependency failed")
	}
	got = s.takeReady()
	if got == nil || got.ID != dependent.ID {
		t.Fatalf("after completion ready = %+v, want the dependent", got)
	}
}

func TestDependencyGating_OverdueBypasses(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	dep := NewTask("agent-1", "build", message.PriorityNormal)
	dependent := NewTask("agent-2", "deploy", message.PriorityLow)
	dependent.DependsOn = []string{dep.ID}
	past := time.Now().Add(-time.Minute)
	dependent.Deadline = &past
	if err := s.Schedule(ctx, dep); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule(ctx, dependent); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Overdue forces the score to 200 and bypasses the gate.
	got := s.takeReady()
	if got == nil || got.ID != dependent.ID {
		t.Fatalf("first ready = %+v, want the overdue dependent", got)
	}
}

func TestCancel_QueuedOnly(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	task := NewTask("agent-1", "work", message.PriorityNormal)
	if err := s.Schedule(ctx, task); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !s.Cancel(task.ID) {
		t.Fatal("cancel of queued task returned false")
	}
	if task.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}
	if s.Cancel(task.ID) {
		t.Fatal("second cancel returned true")
	}

	running := NewTask("agent-1", "work", message.PriorityNormal)
	if err := s.Schedule(ctx, running); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.takeReady(); got == nil {
		t.Fatal("takeReady returned nil")
	}
	if s.Cancel(running.ID) {
		t.Fatal("cancel of dispatched task returned true")
	}
}

func TestTakeReady_MarksTaskRunning(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	task := NewTask("agent-1", "work", message.PriorityNormal)
	if err := s.Schedule(ctx, task); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got := s.takeReady()
	if got == nil {
		t.Fatal("takeReady returned nil")
	}
	if got.Status != StatusRunning {
		t.Fatalf("status after takeReady = %s, want running", got.Status)
	}

	// Completion must succeed even when the dispatch send never ran.
	done, ok := s.Complete(ctx, task.ID, true)
	if !ok {
		t.Fatal("complete returned false for a running task")
	}
	if done.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if len(s.ActiveTasks()) != 0 {
		t.Fatal("completed task still active")
	}
}

func TestComplete_RejectedTransitionKeepsTaskRunning(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	task := NewTask("agent-1", "work", message.PriorityNormal)
	if err := s.Schedule(ctx, task); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.takeReady(); got == nil {
		t.Fatal("takeReady returned nil")
	}
	// Force a terminal state behind the scheduler's back so the
	// completion transition is rejected.
	if err := task.Transition(StatusCancelled); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if _, ok := s.Complete(ctx, task.ID, true); ok {
		t.Fatal("complete accepted a terminal task")
	}
	// The rejected completion must not strand the task outside the
	// active set.
	if len(s.ActiveTasks()) != 1 {
		t.Fatalf("active = %d, want 1", len(s.ActiveTasks()))
	}
}

func TestDispatchFailure_RequeuedTaskStaysCompletable(t *testing.T) {
	s, b := newScheduler(t)
	ctx := context.Background()

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := b.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}

	task := NewTask("agent-1", "work", message.PriorityNormal)
	if err := s.Schedule(ctx, task); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// The send fails against the closed bus and the task is requeued.
	s.RunOnce(ctx)
	if len(s.ActiveTasks()) != 1 {
		t.Fatalf("active = %d, want 1 after requeue", len(s.ActiveTasks()))
	}

	got := s.takeReady()
	if got == nil || got.ID != task.ID {
		t.Fatalf("requeued task not ready again: %+v", got)
	}
	if got.Status != StatusRunning {
		t.Fatalf("status after retry = %s, want running", got.Status)
	}
	if _, ok := s.Complete(ctx, task.ID, true); !ok {
		t.Fatal("requeued task could not be completed")
	}
}

func TestComplete_UnknownReturnsFalse(t *testing.T) {
	s, _ := newScheduler(t)
	if _, ok := s.Complete(context.Background(), "nope", true); ok {
		t.Fatal("complete of unknown task returned true")
	}
}

func TestComplete_FailureMarksFailed(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	task := NewTask("agent-1", "work", message.PriorityNormal)
	if err := s.Schedule(ctx, task); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.RunOnce(ctx)

	done, ok := s.Complete(ctx, task.ID, false)
	if !ok {
		t.Fatal("complete returned false")
	}
	if done.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if len(s.ActiveTasks()) != 0 {
		t.Fatal("completed task still active")
	}
}

func TestActiveTasks_IncludesQueuedAndRunning(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	a := NewTask("agent-1", "a", message.PriorityNormal)
	b := NewTask("agent-2", "b", message.PriorityNormal)
	if err := s.Schedule(ctx, a); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule(ctx, b); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.takeReady(); got == nil {
		t.Fatal("takeReady returned nil")
	}

	active := s.ActiveTasks()
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2 (one queued, one running)", len(active))
	}
}

func TestAddRecurring_FiresDueTask(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	spec := RecurringSpec{
		Name:        "hourly-report",
		AgentID:     "agent-1",
		Description: "compile status report",
		Priority:    "HIGH",
		Cron:        "* * * * *",
	}
	if err := s.AddRecurring(spec); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Nothing is due yet; the first fire time is the next minute mark.
	s.fireDue(ctx, time.Now())
	if len(s.ActiveTasks()) != 0 {
		t.Fatal("schedule fired before its time")
	}

	s.fireDue(ctx, time.Now().Add(time.Minute))
	active := s.ActiveTasks()
	if len(active) == 0 {
		t.Fatal("due schedule did not create a task")
	}
	task := active[0]
	if task.AgentID != "agent-1" || task.Priority != message.PriorityHigh {
		t.Fatalf("task = %+v", task)
	}
	if task.Metadata["schedule"] != "hourly-report" {
		t.Fatalf("schedule metadata = %q", task.Metadata["schedule"])
	}
}

func TestAddRecurring_RejectsBadSpecs(t *testing.T) {
	s, _ := newScheduler(t)

	if err := s.AddRecurring(RecurringSpec{Name: "x", Cron: "* * * * *"}); err == nil {
		t.Fatal("spec without agent_id accepted")
	}
	if err := s.AddRecurring(RecurringSpec{
		Name: "x", AgentID: "a", Description: "d", Cron: "not a cron",
	}); err == nil {
		t.Fatal("bad cron accepted")
	}
}

func TestStartStop(t *testing.T) {
	b := newBus(t)
	s := New(Config{Bus: b, Interval: 10 * time.Millisecond})
	ctx := context.Background()

	task := NewTask("agent-1", "work", message.PriorityNormal)
	if err := s.Schedule(ctx, task); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.Start(ctx)
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if len(b.Receive("agent-1")) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for background dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
