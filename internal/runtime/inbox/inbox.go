// Package inbox keeps a ledger of processed events per consumer so handlers
// can skip redeliveries of work they already committed.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/tenantbus/internal/runtime/envelope"
)

// ErrKeyRequired is returned when a record has no consumer or event id.
var ErrKeyRequired = errors.New("inbox: consumer and event id are required")

// Record is one processed event.
type Record struct {
	Consumer      string    `json:"consumer" bson:"consumer"`
	EventID       string    `json:"eventId" bson:"event_id"`
	EventType     string    `json:"eventType" bson:"event_type"`
	TenantID      string    `json:"tenantId" bson:"tenant_id"`
	CorrelationID string    `json:"correlationId,omitempty" bson:"correlation_id,omitempty"`
	ProcessedAt   time.Time `json:"processedAt" bson:"processed_at"`
}

func (r Record) validate() error {
	if r.Consumer == "" || r.EventID == "" {
		return ErrKeyRequired
	}
	return nil
}

// RecordFor builds the record of env processed by consumer.
func RecordFor(consumer string, env envelope.Envelope) Record {
	return Record{
		Consumer:      consumer,
		EventID:       env.ID,
		EventType:     string(env.Type),
		TenantID:      env.TenantID,
		CorrelationID: env.CorrelationID,
	}
}

// Store persists processed-event records.
type Store interface {
	// Seen reports whether consumer already processed eventID.
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	// Mark records an event as processed. Marking twice is not an error.
	Mark(ctx context.Context, rec Record) error
}

// Enveloped is implemented by handler inputs that carry their envelope.
type Enveloped interface {
	EventEnvelope() envelope.Envelope
}

// Idempotent skips events consumer already processed, keyed by envelope id.
// The event is marked only after next succeeds, so a failed attempt is
// retried in full.
func Idempotent[E Enveloped](store Store, consumer string, next func(context.Context, E) error) func(context.Context, E) error {
	return IdempotentBy(store, func(evt E) Record {
		return RecordFor(consumer, evt.EventEnvelope())
	}, next)
}

// IdempotentBy is Idempotent with a caller supplied natural key, e.g. an
// order id instead of the event id.
func IdempotentBy[E any](store Store, key func(E) Record, next func(context.Context, E) error) func(context.Context, E) error {
	return func(ctx context.Context, evt E) error {
		rec := key(evt)
		if err := rec.validate(); err != nil {
			return err
		}
		seen, err := store.Seen(ctx, rec.Consumer, rec.EventID)
		if err != nil {
			return fmt.Errorf("inbox lookup: %w", err)
		}
		if seen {
			return nil
		}
		if err := next(ctx, evt); err != nil {
			return err
		}
		if rec.ProcessedAt.IsZero() {
			rec.ProcessedAt = time.Now().UTC()
		}
		if err := store.Mark(ctx, rec); err != nil {
			return fmt.Errorf("inbox mark: %w", err)
		}
		return nil
	}
}
