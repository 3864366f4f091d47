package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/agentpost/internal/atomicfile"
)

// EventHandler receives lifecycle events. A panic in one handler is
// recovered and logged; the remaining handlers still run.
type EventHandler func(event string, payload any)

// Manager owns the on-disk agent states and the task store. One Manager
// per runtime directory; the directory is single-writer.
type Manager struct {
	mu          sync.Mutex
	dir         string
	stateSchema *jsonschema.Schema
	taskSchema  *jsonschema.Schema
	tasksFile   *atomicfile.Manager
	agentFiles  map[string]*atomicfile.Manager
	handlers    map[string][]EventHandler
	logger      *slog.Logger
}

// NewManager creates a Manager rooted at dir. Agent states live under
// dir/agents, the task store at dir/tasks.json.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stateSchema, err := compileSchema("agent_state.schema.json", agentStateSchemaJSON)
	if err != nil {
		return nil, err
	}
	taskSchema, err := compileSchema("task_store.schema.json", taskStoreSchemaJSON)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Manager{
		dir:         dir,
		stateSchema: stateSchema,
		taskSchema:  taskSchema,
		tasksFile:   atomicfile.NewManager(filepath.Join(dir, "tasks.json"), atomicfile.WithLogger(logger)),
		agentFiles:  make(map[string]*atomicfile.Manager),
		handlers:    make(map[string][]EventHandler),
		logger:      logger,
	}, nil
}

// On registers a handler for an event type.
func (m *Manager) On(event string, h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// emit runs all handlers for event outside the manager lock.
func (m *Manager) emit(event string, payload any) {
	m.mu.Lock()
	handlers := append([]EventHandler(nil), m.handlers[event]...)
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("state event handler panic", "event", event, "panic", rec)
				}
			}()
			h(event, payload)
		}()
	}
}

func (m *Manager) agentFile(agentID string) *atomicfile.Manager {
	if f, ok := m.agentFiles[agentID]; ok {
		return f
	}
	f := atomicfile.NewManager(
		filepath.Join(m.dir, "agents", agentID+".json"),
		atomicfile.WithLogger(m.logger),
	)
	m.agentFiles[agentID] = f
	return f
}

// loadStateLocked reads and schema-validates one agent's state.
// Missing file yields the default state; a corrupt file (after backup
// recovery) surfaces a validation error.
func (m *Manager) loadStateLocked(ctx context.Context, agentID string) (AgentState, error) {
	var raw json.RawMessage
	found, err := m.agentFile(agentID).Read(ctx, &raw)
	if err != nil {
		return AgentState{}, fmt.Errorf("load state for %s: %w", agentID, err)
	}
	if !found {
		return defaultState(agentID), nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return AgentState{}, fmt.Errorf("%w: state for %s: %v", ErrValidation, agentID, err)
	}
	if err := validateDocument(m.stateSchema, doc); err != nil {
		return AgentState{}, fmt.Errorf("state for %s: %w", agentID, err)
	}

	var st AgentState
	if err := json.Unmarshal(raw, &st); err != nil {
		return AgentState{}, fmt.Errorf("%w: state for %s: %v", ErrValidation, agentID, err)
	}
	return st, nil
}

// GetState returns the agent's persisted state, or the default state
// for an agent that was never written.
func (m *Manager) GetState(ctx context.Context, agentID string) (AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadStateLocked(ctx, agentID)
}

// UpdateState merges the partial update into the persisted state,
// writes it atomically, and emits a state_updated event with the merged
// result.
func (m *Manager) UpdateState(ctx context.Context, agentID string, upd StateUpdate) (AgentState, error) {
	m.mu.Lock()
	st, err := m.loadStateLocked(ctx, agentID)
	if err != nil {
		m.mu.Unlock()
		return AgentState{}, err
	}
	upd.apply(&st)
	if err := st.Validate(); err != nil {
		m.mu.Unlock()
		return AgentState{}, err
	}
	if err := m.agentFile(agentID).Write(ctx, st); err != nil {
		m.mu.Unlock()
		return AgentState{}, fmt.Errorf("persist state for %s: %w", agentID, err)
	}
	m.mu.Unlock()

	m.emit(EventStateUpdated, st)
	return st, nil
}

// RemoveState deletes an agent's state file and backup. Missing files
// are not an error.
func (m *Manager) RemoveState(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.agentFile(agentID)
	delete(m.agentFiles, agentID)
	for _, path := range []string{f.Path(), f.BackupPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove state for %s: %w", agentID, err)
		}
	}
	return nil
}

// taskStore is the persisted shape: task-type to record list.
type taskStore map[string][]Record

// loadTasksLocked reads and schema-validates the task store.
func (m *Manager) loadTasksLocked(ctx context.Context) (taskStore, error) {
	var raw json.RawMessage
	found, err := m.tasksFile.Read(ctx, &raw)
	if err != nil {
		return nil, fmt.Errorf("load task store: %w", err)
	}
	if !found {
		return taskStore{}, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: task store: %v", ErrValidation, err)
	}
	if err := validateDocument(m.taskSchema, doc); err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}

	var store taskStore
	if err := json.Unmarshal(raw, &store); err != nil {
		return nil, fmt.Errorf("%w: task store: %v", ErrValidation, err)
	}
	return store, nil
}

// AddRecord validates and appends a task record to its type bucket.
func (m *Manager) AddRecord(ctx context.Context, taskType string, data map[string]any) (Record, error) {
	now := time.Now().UTC()
	rec := Record{
		ID:        uuid.NewString(),
		Type:      taskType,
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	store, err := m.loadTasksLocked(ctx)
	if err != nil {
		return Record{}, err
	}
	store[taskType] = append(store[taskType], rec)
	if err := m.tasksFile.Write(ctx, store); err != nil {
		return Record{}, fmt.Errorf("persist task store: %w", err)
	}
	return rec, nil
}

// UpdateRecord finds a record by id across all type buckets, applies
// the status and data changes, persists, and emits task_updated.
// Unknown ids return false.
func (m *Manager) UpdateRecord(ctx context.Context, id, status string, data map[string]any) (bool, error) {
	if status == "" {
		return false, fmt.Errorf("%w: empty status", ErrValidation)
	}

	m.mu.Lock()
	store, err := m.loadTasksLocked(ctx)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}

	var updated *Record
	for taskType, recs := range store {
		for i := range recs {
			if recs[i].ID != id {
				continue
			}
			recs[i].Status = status
			recs[i].UpdatedAt = time.Now().UTC()
			if data != nil {
				if recs[i].Data == nil {
					recs[i].Data = make(map[string]any, len(data))
				}
				for k, v := range data {
					recs[i].Data[k] = v
				}
			}
			store[taskType] = recs
			updated = &recs[i]
			break
		}
		if updated != nil {
			break
		}
	}
	if updated == nil {
		m.mu.Unlock()
		return false, nil
	}
	if err := m.tasksFile.Write(ctx, store); err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("persist task store: %w", err)
	}
	rec := *updated
	m.mu.Unlock()

	m.emit(EventTaskUpdated, rec)
	return true, nil
}

// Records returns the records for one task type, empty when the bucket
// does not exist.
func (m *Manager) Records(ctx context.Context, taskType string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, err := m.loadTasksLocked(ctx)
	if err != nil {
		return nil, err
	}
	return append([]Record(nil), store[taskType]...), nil
}
