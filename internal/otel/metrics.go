package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agentpost metrics instruments.
type Metrics struct {
	MessagesSent      metric.Int64Counter
	MessagesRejected  metric.Int64Counter
	MessagesAcked     metric.Int64Counter
	RouteDuration     metric.Float64Histogram
	SubscriberDropped metric.Int64Counter
	TasksScheduled    metric.Int64Counter
	TasksDispatched   metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	PendingMessages   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesSent, err = meter.Int64Counter("agentpost.messages.sent",
		metric.WithDescription("Messages accepted by the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesRejected, err = meter.Int64Counter("agentpost.messages.rejected",
		metric.WithDescription("Messages rejected by validation or routing"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesAcked, err = meter.Int64Counter("agentpost.messages.acked",
		metric.WithDescription("Messages acknowledged out of the mailbox"),
	)
	if err != nil {
		return nil, err
	}

	m.RouteDuration, err = meter.Float64Histogram("agentpost.route.duration",
		metric.WithDescription("Router dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubscriberDropped, err = meter.Int64Counter("agentpost.subscriber.dropped",
		metric.WithDescription("Events dropped because a subscriber buffer was full"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksScheduled, err = meter.Int64Counter("agentpost.tasks.scheduled",
		metric.WithDescription("Tasks accepted by the scheduler"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("agentpost.tasks.dispatched",
		metric.WithDescription("Tasks dispatched to agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("agentpost.tasks.completed",
		metric.WithDescription("Tasks reported completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentpost.tasks.failed",
		metric.WithDescription("Tasks reported failed"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingMessages, err = meter.Int64UpDownCounter("agentpost.mailbox.pending",
		metric.WithDescription("Messages currently pending in mailboxes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
