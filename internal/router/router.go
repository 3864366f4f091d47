// Package router dispatches messages to registered handlers. Mode
// handlers take precedence, then regex pattern routes matched against
// the recipient, then the default chain. With nothing registered a
// route trivially succeeds, matching the permissive default for plain
// delivery.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/basket/agentpost/internal/message"
)

// ErrRoutingFailed is returned when at least one invoked handler
// failed. It is a return value, never a panic.
var ErrRoutingFailed = errors.New("routing failed")

// Handler processes a message during routing. A nil return means the
// handler accepted the message.
type Handler func(ctx context.Context, msg *message.Message) error

type patternRoute struct {
	expr    string
	re      *regexp.Regexp
	handler Handler
}

// Router is the dispatch table.
type Router struct {
	mu           sync.RWMutex
	modeHandlers map[message.Mode][]Handler
	patterns     []patternRoute
	defaults     []Handler
	logger       *slog.Logger
}

// New creates an empty Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		modeHandlers: make(map[message.Mode][]Handler),
		logger:       logger,
	}
}

// AddModeHandler registers a handler for every message with the given
// delivery mode.
func (r *Router) AddModeHandler(mode message.Mode, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modeHandlers[mode] = append(r.modeHandlers[mode], h)
}

// AddPatternRoute registers a handler for recipients matching the
// regular expression.
func (r *Router) AddPatternRoute(expr string, h Handler) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, patternRoute{expr: expr, re: re, handler: h})
	return nil
}

// AddDefaultHandler registers a fallback handler used when neither mode
// handlers nor pattern routes apply.
func (r *Router) AddDefaultHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = append(r.defaults, h)
}

// Route runs the dispatch algorithm. It succeeds only if every invoked
// handler succeeded; a handler panic is recovered, logged, and counted
// as that handler failing.
func (r *Router) Route(ctx context.Context, msg *message.Message) error {
	r.mu.RLock()
	mode := r.modeHandlers[msg.Mode]
	handlers := make([]Handler, 0, len(mode))
	handlers = append(handlers, mode...)
	if len(handlers) == 0 {
		for _, pr := range r.patterns {
			if pr.re.MatchString(msg.Recipient) {
				handlers = append(handlers, pr.handler)
			}
		}
	}
	if len(handlers) == 0 {
		handlers = append(handlers, r.defaults...)
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	failed := 0
	for _, h := range handlers {
		if err := r.invoke(ctx, h, msg); err != nil {
			r.logger.Warn("route handler failed",
				"message_id", msg.ID, "mode", msg.Mode, "recipient", msg.Recipient, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d handlers failed", ErrRoutingFailed, failed, len(handlers))
	}
	return nil
}

// invoke runs one handler with panic isolation.
func (r *Router) invoke(ctx context.Context, h Handler, msg *message.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, msg)
}
