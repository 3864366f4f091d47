package bus

import (
	"context"
	"fmt"
	"regexp"

	"github.com/basket/agentpost/internal/audit"
	"github.com/basket/agentpost/internal/message"
)

// SubscriberFunc consumes delivered messages. It runs on the
// subscription's own goroutine, never on the sender's.
type SubscriberFunc func(msg *message.Message)

// Subscription is an active topic or pattern subscription. Each one
// owns a bounded channel drained by a dedicated consumer goroutine, so
// a slow subscriber cannot stall publication for the others.
type Subscription struct {
	id      int
	topic   string
	pattern *regexp.Regexp
	ch      chan *message.Message
}

// Topic returns the exact topic, or the pattern source for pattern
// subscriptions.
func (s *Subscription) Topic() string {
	if s.pattern != nil {
		return s.pattern.String()
	}
	return s.topic
}

func (s *Subscription) matches(recipient string) bool {
	if s.pattern != nil {
		return s.pattern.MatchString(recipient)
	}
	return s.topic == recipient
}

// Subscribe registers a handler for messages addressed exactly to
// topic. The returned handle is used to unsubscribe.
func (b *Bus) Subscribe(topic string, fn SubscriberFunc) *Subscription {
	return b.addSubscription(&Subscription{topic: topic}, fn)
}

// SubscribePattern registers a handler for messages whose recipient
// matches the regular expression.
func (b *Bus) SubscribePattern(expr string, fn SubscriberFunc) (*Subscription, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return b.addSubscription(&Subscription{pattern: re}, fn), nil
}

func (b *Bus) addSubscription(sub *Subscription, fn SubscriberFunc) *Subscription {
	sub.ch = make(chan *message.Message, b.bufSize)

	b.subMu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.subMu.Unlock()

	b.wg.Add(1)
	go b.consume(sub, fn)
	return sub
}

// Unsubscribe removes a subscription and stops its consumer. Unknown or
// already-removed handles are a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// consume drains one subscription's channel, isolating handler panics.
func (b *Bus) consume(sub *Subscription, fn SubscriberFunc) {
	defer b.wg.Done()
	for msg := range sub.ch {
		b.invoke(sub, fn, msg)
	}
}

func (b *Bus) invoke(sub *Subscription, fn SubscriberFunc, msg *message.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("subscriber panic",
				"topic", sub.Topic(), "message_id", msg.ID, "panic", rec)
		}
	}()
	fn(msg)
}

// fanOut offers the message to every matching subscription. Delivery is
// non-blocking: a full buffer drops the event for that subscriber and
// counts the drop.
func (b *Bus) fanOut(ctx context.Context, msg *message.Message) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(msg.Recipient) {
			continue
		}
		select {
		case sub.ch <- msg.Clone():
		default:
			if b.metrics != nil {
				b.metrics.SubscriberDropped.Add(ctx, 1)
			}
			audit.Record(audit.DecisionDropped, msg.ID, msg.Sender, msg.Recipient, "subscriber buffer full")
			b.logger.Warn("subscriber buffer full, dropping event",
				"topic", sub.Topic(), "message_id", msg.ID)
		}
	}
}
