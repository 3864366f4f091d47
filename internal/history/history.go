// Package history keeps the append-only log of every message the bus
// delivered. The log is capped; once full, the oldest entries are
// trimmed first. Unlike the mailbox, entries survive acknowledgment.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentpost/internal/atomicfile"
	"github.com/basket/agentpost/internal/message"
)

const DefaultMaxEntries = 1000

// Query filters a history read. Zero values mean "no constraint".
type Query struct {
	AgentID string    // matches sender or recipient
	Start   time.Time // inclusive lower bound
	End     time.Time // inclusive upper bound
	Limit   int       // keep only the most recent N, still chronological
}

// History is the capped, persisted message log.
type History struct {
	mu      sync.RWMutex
	entries []*message.Message
	max     int
	file    *atomicfile.Manager
	logger  *slog.Logger
}

// Option configures a History.
type Option func(*History)

// WithMaxEntries overrides the retention cap.
func WithMaxEntries(n int) Option {
	return func(h *History) {
		if n > 0 {
			h.max = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New loads the history from path if it exists. A corrupt file that
// cannot be recovered from backup surfaces as an error so callers can
// tell "not yet created" from "damaged".
func New(path string, opts ...Option) (*History, error) {
	h := &History{
		max:    DefaultMaxEntries,
		file:   atomicfile.NewManager(path),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	var stored []*message.Message
	found, err := h.file.Read(context.Background(), &stored)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if found {
		h.entries = stored
		h.trimLocked()
	}
	return h, nil
}

// Record appends the message and persists the full list. The stored
// entry is a copy; later status changes on the caller's message do not
// rewrite history.
func (h *History) Record(ctx context.Context, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, msg.Clone())
	h.trimLocked()
	if err := h.file.Write(ctx, h.entries); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

// trimLocked drops the oldest entries beyond the cap. Callers hold mu.
func (h *History) trimLocked() {
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append([]*message.Message(nil), h.entries[over:]...)
	}
}

// UpdateStatus advances the stored copy's delivery status and persists
// the log. Unknown ids return false with no side effect.
func (h *History) UpdateStatus(ctx context.Context, id string, next message.Status) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, e := range h.entries {
		if e.ID != id {
			continue
		}
		if err := e.Transition(next); err != nil {
			return false, err
		}
		if err := h.file.Write(ctx, h.entries); err != nil {
			return false, fmt.Errorf("persist history: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// Get returns matching entries in chronological order. When Limit is
// set, only the most recent Limit matches are kept.
func (h *History) Get(q Query) []*message.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*message.Message
	for _, e := range h.entries {
		if q.AgentID != "" && e.Sender != q.AgentID && e.Recipient != q.AgentID {
			continue
		}
		if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && e.Timestamp.After(q.End) {
			continue
		}
		out = append(out, e.Clone())
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Len reports the current entry count.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Flush rewrites the backing file. The bus calls this on shutdown.
func (h *History) Flush(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.file.Write(ctx, h.entries); err != nil {
		return fmt.Errorf("flush history: %w", err)
	}
	return nil
}
