// Package bus composes the mailbox, history, and router into the
// message backbone. One Send call performs route, enqueue, record, and
// subscriber fan-out in that fixed order under a single lock, so the
// mailbox and history never disagree about what was delivered.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentpost/internal/audit"
	"github.com/basket/agentpost/internal/history"
	"github.com/basket/agentpost/internal/mailbox"
	"github.com/basket/agentpost/internal/message"
	"github.com/basket/agentpost/internal/otel"
	"github.com/basket/agentpost/internal/router"
)

const defaultBufferSize = 100

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// SendRequest carries the caller-supplied fields of a send.
type SendRequest struct {
	To       string
	From     string
	Content  string
	Mode     message.Mode
	Kind     message.Kind
	Priority message.Priority
	Metadata map[string]string
}

// AckRecorder receives a durable note of each acknowledged message.
// The archive store implements it.
type AckRecorder interface {
	RecordAck(ctx context.Context, messageID, recipient string) error
}

// Config holds the dependencies for a Bus.
type Config struct {
	Mailbox *mailbox.Mailbox
	History *history.History
	Router  *router.Router
	Logger  *slog.Logger
	Metrics *otel.Metrics
	// Acks, when set, records every acknowledgment to long-term storage.
	Acks AckRecorder
	// BufferSize is the per-subscription channel depth; defaults to 100.
	BufferSize int
}

// Bus is the process-wide message system. It is constructed once and
// passed by reference; there is no package-level instance.
type Bus struct {
	sendMu sync.Mutex // serializes the send pipeline

	subMu  sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	mailbox *mailbox.Mailbox
	history *history.History
	router  *router.Router
	logger  *slog.Logger
	metrics *otel.Metrics
	acks    AckRecorder
	bufSize int

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a Bus from its collaborators. Mailbox, History, and
// Router must be non-nil.
func New(cfg Config) (*Bus, error) {
	if cfg.Mailbox == nil || cfg.History == nil || cfg.Router == nil {
		return nil, errors.New("bus requires mailbox, history, and router")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Bus{
		subs:    make(map[int]*Subscription),
		mailbox: cfg.Mailbox,
		history: cfg.History,
		router:  cfg.Router,
		logger:  logger,
		metrics: cfg.Metrics,
		acks:    cfg.Acks,
		bufSize: bufSize,
	}, nil
}

// Router exposes the dispatch table so collaborators can register mode
// and pattern handlers.
func (b *Bus) Router() *router.Router { return b.router }

// Send validates and constructs the message, routes it, enqueues it for
// the recipient, records it in history, and notifies subscribers. A
// routing failure aborts before anything is enqueued or recorded.
func (b *Bus) Send(ctx context.Context, req SendRequest) (*message.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	mode := req.Mode
	if mode == "" {
		mode = message.ModeDirect
	}
	kind := req.Kind
	if kind == "" {
		kind = message.KindText
	}
	priority := req.Priority
	if priority == 0 {
		priority = message.PriorityNormal
	}

	msg := message.New(req.From, req.To, req.Content, mode, kind, priority, req.Metadata)
	if err := msg.Validate(); err != nil {
		b.countRejected(ctx)
		audit.Record(audit.DecisionRejected, msg.ID, req.From, req.To, err.Error())
		return nil, err
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	start := time.Now()
	if err := b.router.Route(ctx, msg); err != nil {
		b.countRejected(ctx)
		audit.Record(audit.DecisionRejected, msg.ID, msg.Sender, msg.Recipient, err.Error())
		if terr := msg.Transition(message.StatusFailed); terr != nil {
			b.logger.Warn("status transition rejected", "message_id", msg.ID, "error", terr)
		}
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.RouteDuration.Record(ctx, time.Since(start).Seconds())
	}

	// Routed and about to be enqueued: the mailbox and history copies
	// both carry the processing status from here on.
	if err := msg.Transition(message.StatusProcessing); err != nil {
		b.logger.Warn("status transition rejected", "message_id", msg.ID, "error", err)
	}

	if err := b.mailbox.Enqueue(ctx, msg); err != nil {
		b.countRejected(ctx)
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if err := b.history.Record(ctx, msg); err != nil {
		// The message is already pending delivery; surface the history
		// failure without unwinding the enqueue.
		b.logger.Error("history record failed", "message_id", msg.ID, "error", err)
		return msg, fmt.Errorf("record history: %w", err)
	}

	if b.metrics != nil {
		b.metrics.MessagesSent.Add(ctx, 1)
		b.metrics.PendingMessages.Add(ctx, 1)
	}
	audit.Record(audit.DecisionRouted, msg.ID, msg.Sender, msg.Recipient, "")

	b.fanOut(ctx, msg)
	return msg, nil
}

// Receive returns the recipient's pending messages in priority order
// without removing them.
func (b *Bus) Receive(agentID string) []*message.Message {
	return b.mailbox.Messages(agentID)
}

// Acknowledge removes a pending message from the mailbox. The history
// copy survives with its status advanced to completed, and the ack is
// noted in the archive when one is wired. Unknown ids return false.
func (b *Bus) Acknowledge(ctx context.Context, id string) (bool, error) {
	// Capture the recipient before the mailbox forgets the entry.
	var recipient string
	if pending, found := b.mailbox.Lookup(id); found {
		recipient = pending.Recipient
	}

	ok, err := b.mailbox.Acknowledge(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if _, err := b.history.UpdateStatus(ctx, id, message.StatusCompleted); err != nil {
		b.logger.Warn("history status update failed", "message_id", id, "error", err)
	}
	if b.acks != nil {
		if err := b.acks.RecordAck(ctx, id, recipient); err != nil {
			// The mailbox removal already happened; the ack stands.
			b.logger.Error("ack archive failed", "message_id", id, "error", err)
		}
	}
	if b.metrics != nil {
		b.metrics.MessagesAcked.Add(ctx, 1)
		b.metrics.PendingMessages.Add(ctx, -1)
	}
	audit.Record(audit.DecisionAcked, id, "", recipient, "")
	return true, nil
}

// History queries the delivered-message log.
func (b *Bus) History(q history.Query) []*message.Message {
	return b.history.Get(q)
}

// Close stops subscriber consumers and flushes history to disk. It
// waits for in-flight handlers up to the context deadline.
func (b *Bus) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.subMu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.subMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("bus close timed out waiting for subscribers")
	}

	return b.history.Flush(context.WithoutCancel(ctx))
}

func (b *Bus) countRejected(ctx context.Context) {
	if b.metrics != nil {
		b.metrics.MessagesRejected.Add(ctx, 1)
	}
}
