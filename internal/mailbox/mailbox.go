// Package mailbox is the durable per-recipient priority queue of
// pending messages. Higher priority dequeues first; within a tier,
// earlier insertion wins. Every mutation persists a full snapshot, so a
// freshly constructed mailbox over the same file resumes exactly where
// the previous one stopped.
package mailbox

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/agentpost/internal/atomicfile"
	"github.com/basket/agentpost/internal/message"
)

// item is one pending entry. Seq is the global insertion counter used
// for the FIFO tie-break.
type item struct {
	Priority   message.Priority `json:"priority"`
	Seq        uint64           `json:"seq"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	Message    *message.Message `json:"message"`

	index int // heap bookkeeping, not persisted
}

// pending is a max-heap: highest priority first, then lowest Seq.
type pending []*item

func (p pending) Len() int { return len(p) }

func (p pending) Less(i, j int) bool {
	if p[i].Priority != p[j].Priority {
		return p[i].Priority > p[j].Priority
	}
	return p[i].Seq < p[j].Seq
}

func (p pending) Swap(i, j int) {
	p[i], p[j] = p[j], p[i]
	p[i].index = i
	p[j].index = j
}

func (p *pending) Push(x any) {
	it := x.(*item)
	it.index = len(*p)
	*p = append(*p, it)
}

func (p *pending) Pop() any {
	old := *p
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*p = old[:n-1]
	return it
}

// locator finds an item for acknowledgment without scanning every box.
type locator struct {
	recipient string
	it        *item
}

// snapshot is the persisted shape: per-recipient pending lists in
// dequeue order, plus the insertion counter.
type snapshot struct {
	Seq   uint64            `json:"seq"`
	Boxes map[string][]item `json:"boxes"`
}

// Mailbox holds all recipients' pending queues.
type Mailbox struct {
	mu     sync.Mutex
	boxes  map[string]*pending
	byID   map[string]locator
	seq    uint64
	file   *atomicfile.Manager
	logger *slog.Logger
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mailbox) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New loads the mailbox snapshot from path if present.
func New(path string, opts ...Option) (*Mailbox, error) {
	m := &Mailbox{
		boxes:  make(map[string]*pending),
		byID:   make(map[string]locator),
		file:   atomicfile.NewManager(path),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	var snap snapshot
	found, err := m.file.Read(context.Background(), &snap)
	if err != nil {
		return nil, fmt.Errorf("load mailbox: %w", err)
	}
	if found {
		m.seq = snap.Seq
		for recipient, items := range snap.Boxes {
			box := &pending{}
			for i := range items {
				it := items[i]
				heap.Push(box, &it)
				m.byID[it.Message.ID] = locator{recipient: recipient, it: &it}
				if it.Seq >= m.seq {
					m.seq = it.Seq + 1
				}
			}
			m.boxes[recipient] = box
		}
	}
	return m, nil
}

// Enqueue inserts a message into its recipient's queue and persists the
// snapshot. Invalid messages are rejected before anything mutates.
func (m *Mailbox) Enqueue(ctx context.Context, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[msg.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", message.ErrValidation, msg.ID)
	}

	box, ok := m.boxes[msg.Recipient]
	if !ok {
		box = &pending{}
		m.boxes[msg.Recipient] = box
	}

	it := &item{
		Priority:   msg.Priority,
		Seq:        m.seq,
		EnqueuedAt: time.Now().UTC(),
		Message:    msg.Clone(),
	}
	m.seq++
	heap.Push(box, it)
	m.byID[msg.ID] = locator{recipient: msg.Recipient, it: it}

	if err := m.persistLocked(ctx); err != nil {
		// Roll back so memory and disk stay consistent.
		heap.Remove(box, it.index)
		delete(m.byID, msg.ID)
		return err
	}
	return nil
}

// Messages returns the recipient's pending messages in dequeue order
// without removing them.
func (m *Mailbox) Messages(recipient string) []*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.boxes[recipient]
	if !ok || box.Len() == 0 {
		return nil
	}
	out := make([]*message.Message, 0, box.Len())
	for _, it := range sortedItems(*box) {
		out = append(out, it.Message.Clone())
	}
	return out
}

// Lookup returns a copy of the pending message with the given id.
func (m *Mailbox) Lookup(id string) (*message.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return loc.it.Message.Clone(), true
}

// Acknowledge removes the pending entry with the given id. Unknown ids
// return false with no side effect, so repeated calls are idempotent.
func (m *Mailbox) Acknowledge(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	box := m.boxes[loc.recipient]
	heap.Remove(box, loc.it.index)
	delete(m.byID, id)
	if box.Len() == 0 {
		delete(m.boxes, loc.recipient)
	}

	if err := m.persistLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Pending reports the total number of queued messages across all
// recipients.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Recipients returns every agent id with at least one pending message,
// in stable order, with its pending count.
func (m *Mailbox) Recipients() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.boxes))
	for recipient, box := range m.boxes {
		out[recipient] = box.Len()
	}
	return out
}

// persistLocked writes the full snapshot. Callers hold mu.
func (m *Mailbox) persistLocked(ctx context.Context) error {
	snap := snapshot{
		Seq:   m.seq,
		Boxes: make(map[string][]item, len(m.boxes)),
	}
	for recipient, box := range m.boxes {
		items := make([]item, 0, box.Len())
		for _, it := range sortedItems(*box) {
			items = append(items, *it)
		}
		snap.Boxes[recipient] = items
	}
	if err := m.file.Write(ctx, snap); err != nil {
		return fmt.Errorf("persist mailbox: %w", err)
	}
	return nil
}

// sortedItems returns the heap's items in dequeue order without
// disturbing the live heap.
func sortedItems(box pending) []*item {
	out := make([]*item, len(box))
	copy(out, box)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
