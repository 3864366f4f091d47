// Package state persists per-agent state and type-bucketed task
// records through the atomic file layer, and dispatches lifecycle
// events to registered handlers.
package state

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation is the sentinel wrapped by malformed state or task
// payloads. It is always propagated to the caller, never swallowed.
var ErrValidation = errors.New("state validation failed")

// Event names dispatched by the Manager.
const (
	EventStateUpdated = "state_updated"
	EventTaskUpdated  = "task_updated"
)

// AgentState is the persisted per-agent snapshot.
type AgentState struct {
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	CycleCount  int       `json:"cycle_count"`
	DebugMode   bool      `json:"debug_mode"`
	LastUpdated time.Time `json:"last_updated"`
}

// defaultState is the value returned for an agent that was never
// written.
func defaultState(agentID string) AgentState {
	return AgentState{
		AgentID: agentID,
		Status:  "idle",
	}
}

// StateUpdate is a partial update. Nil fields preserve the persisted
// value; set fields overwrite it.
type StateUpdate struct {
	Status     *string
	CycleCount *int
	DebugMode  *bool
}

// apply merges the update into st and stamps LastUpdated.
func (u StateUpdate) apply(st *AgentState) {
	if u.Status != nil {
		st.Status = *u.Status
	}
	if u.CycleCount != nil {
		st.CycleCount = *u.CycleCount
	}
	if u.DebugMode != nil {
		st.DebugMode = *u.DebugMode
	}
	st.LastUpdated = time.Now().UTC()
}

// Validate rejects states that would corrupt the store.
func (s AgentState) Validate() error {
	if s.AgentID == "" {
		return fmt.Errorf("%w: empty agent_id", ErrValidation)
	}
	if s.CycleCount < 0 {
		return fmt.Errorf("%w: negative cycle_count", ErrValidation)
	}
	return nil
}

// Record is one task entry in the type-bucketed store.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Validate checks the required fields before a record is persisted.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: record missing id", ErrValidation)
	case r.Type == "":
		return fmt.Errorf("%w: record missing type", ErrValidation)
	case r.Status == "":
		return fmt.Errorf("%w: record missing status", ErrValidation)
	case r.CreatedAt.IsZero():
		return fmt.Errorf("%w: record missing created_at", ErrValidation)
	case r.UpdatedAt.IsZero():
		return fmt.Errorf("%w: record missing updated_at", ErrValidation)
	}
	return nil
}
