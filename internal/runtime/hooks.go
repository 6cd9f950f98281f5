package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantbus/internal/runtime/logging"
)

// DeliveryContext describes one delivery to hooks.
type DeliveryContext struct {
	// Subscription is the name of the subscription handling the delivery.
	Subscription string
	Queue        string
	EventType    string
	EventID      string
	TenantID     string
	Metadata     message.Metadata
	Context      context.Context
	StartedAt    time.Time
	// Duration covers every attempt including retry waits. Zero in OnStart.
	Duration time.Duration
	// Attempts is the number of handler invocations so far.
	Attempts int
	// Outcome is how the delivery was settled. Empty in OnStart.
	Outcome string
}

// DeliveryHooks are callbacks around a delivery. Nil hooks are skipped.
// They run once per delivery, not once per retry.
type DeliveryHooks struct {
	OnStart func(DeliveryContext)
	// OnDone runs after the delivery was acknowledged.
	OnDone func(DeliveryContext)
	// OnError runs when the handler chain gave up on the delivery, whether
	// it is dead-lettered or requeued.
	OnError func(DeliveryContext, error)
	// OnDeadLetter runs after OnError when the delivery goes to the
	// dead-letter queue.
	OnDeadLetter func(DeliveryContext, error)
}

// Merge returns hooks calling h first, then other.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnStart:      chainHooks(h.OnStart, other.OnStart),
		OnDone:       chainHooks(h.OnDone, other.OnDone),
		OnError:      chainErrorHooks(h.OnError, other.OnError),
		OnDeadLetter: chainErrorHooks(h.OnDeadLetter, other.OnDeadLetter),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks logs delivery lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) DeliveryHooks {
	fields := func(ctx DeliveryContext) logging.LogFields {
		return logging.LogFields{
			"subscription":         ctx.Subscription,
			logging.FieldQueue:     ctx.Queue,
			logging.FieldEventType: ctx.EventType,
			logging.FieldEventID:   ctx.EventID,
			logging.FieldTenantID:  ctx.TenantID,
			logging.FieldAttempt:   ctx.Attempts,
		}
	}
	return DeliveryHooks{
		OnStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", fields(ctx))
		},
		OnDone: func(ctx DeliveryContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			f["outcome"] = ctx.Outcome
			logger.Info("Delivery completed", f)
		},
		OnError: func(ctx DeliveryContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			f["outcome"] = ctx.Outcome
			logger.Error("Delivery failed", err, f)
		},
	}
}

// AlertingHooks calls alert for every dead-lettered delivery.
func AlertingHooks(alert func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{OnDeadLetter: alert}
}
