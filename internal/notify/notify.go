// Package notify fans trade lifecycle events out to the parties of a trade.
// Delivery is best effort: the engine enqueues after commit and never waits
// on a sink.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridtrade/escrow-engine/internal/metrics"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventTradeCreated      EventType = "trade_created"
	EventDeliveryConfirmed EventType = "delivery_confirmed"
	EventReceiptConfirmed  EventType = "receipt_confirmed"
	EventDisputeRaised     EventType = "dispute_raised"
	EventDisputeResolved   EventType = "dispute_resolved"
	EventTradeExpired      EventType = "trade_expired"
)

// Notification is addressed to one user about one trade.
type Notification struct {
	RecipientID string    `json:"recipient_id"`
	EventType   EventType `json:"event_type"`
	TradeID     string    `json:"trade_id"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Sink delivers a notification to one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher queues notifications and delivers them to every sink from a
// single background goroutine. When the queue is full new notifications are
// dropped rather than stalling the engine.
type Dispatcher struct {
	sinks  []Sink
	queue  chan Notification
	logger *slog.Logger
	done   chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue size.
func NewDispatcher(buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan Notification, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Notify enqueues n. It never blocks.
func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsDropped.WithLabelValues("dispatcher").Inc()
		d.logger.Warn("notification dropped", "trade_id", n.TradeID, "event", n.EventType, "recipient", n.RecipientID)
	}
}

// Run delivers queued notifications until ctx is cancelled, then flushes
// whatever is still buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for _, s := range d.sinks {
		if err := s.Deliver(ctx, n); err != nil {
			metrics.NotificationErrors.WithLabelValues(s.Name()).Inc()
			d.logger.Error("notification delivery failed",
				"sink", s.Name(),
				"trade_id", n.TradeID,
				"event", n.EventType,
				"err", err,
			)
		}
	}
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"recipient", n.RecipientID,
		"event", n.EventType,
		"trade_id", n.TradeID,
		"message", n.Message,
	)
	return nil
}
