package runtime

import (
	"context"

	"github.com/drblury/tenantbus/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/identity"
	"github.com/drblury/tenantbus/internal/runtime/logging"
)

type envelopeCtxKey struct{}

func withEnvelope(ctx context.Context, env envelope.Envelope) context.Context {
	return context.WithValue(ctx, envelopeCtxKey{}, env)
}

// EnvelopeFromContext returns the envelope being handled, if ctx belongs to a handler.
func EnvelopeFromContext(ctx context.Context) (envelope.Envelope, bool) {
	env, ok := ctx.Value(envelopeCtxKey{}).(envelope.Envelope)
	return env, ok
}

// Publish hands env to the broker. It returns ErrNotConnected immediately
// while the broker is unreachable; success means the broker accepted the
// message, not that anyone processed it.
func (s *Service) Publish(ctx context.Context, env envelope.Envelope) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return s.publisher.Publish(ctx, env)
}

// NewEnvelope builds an envelope for payload owned by tenantID, sourced from
// this service. Inside a handler the correlation id of the handled event is
// carried over. Later opts win.
func (s *Service) NewEnvelope(ctx context.Context, tenantID string, payload envelope.Payload, opts ...envelope.Option) (envelope.Envelope, error) {
	base := []envelope.Option{envelope.WithSource(s.Conf.ServiceName)}
	if parent, ok := EnvelopeFromContext(ctx); ok {
		correlation := parent.CorrelationID
		if correlation == "" {
			correlation = parent.ID
		}
		base = append(base, envelope.WithCorrelationID(correlation))
	}
	return envelope.NewEvent(tenantID, payload, append(base, opts...)...)
}

// PublishEvent builds and publishes an envelope for payload.
func (s *Service) PublishEvent(ctx context.Context, tenantID string, payload envelope.Payload, opts ...envelope.Option) (envelope.Envelope, error) {
	if s == nil {
		return envelope.Envelope{}, errspkg.ErrServiceRequired
	}
	env, err := s.NewEnvelope(ctx, tenantID, payload, opts...)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return env, s.publisher.Publish(ctx, env)
}

// TryPublish publishes env and logs instead of failing. Use it where the
// event bus must never block the primary write.
func (s *Service) TryPublish(ctx context.Context, env envelope.Envelope) bool {
	if err := s.Publish(ctx, env); err != nil {
		s.Logger.Error("Event not published", err, logging.LogFields{
			logging.FieldEventType:     string(env.Type),
			logging.FieldEventID:       env.ID,
			logging.FieldTenantID:      env.TenantID,
			logging.FieldCorrelationID: env.CorrelationID,
		})
		return false
	}
	return true
}

// PublishFromContext publishes payload for the tenant of the request
// identity in ctx, or inside a handler for the tenant of the handled event.
// It logs and reports false on any failure, including a missing tenant.
func (s *Service) PublishFromContext(ctx context.Context, payload envelope.Payload, opts ...envelope.Option) bool {
	var eventType string
	if payload != nil {
		eventType = string(payload.EventType())
	}
	tenantID := identity.TenantFromContext(ctx)
	if parent, ok := EnvelopeFromContext(ctx); ok && tenantID == "" {
		tenantID = parent.TenantID
	}
	if tenantID == "" {
		s.Logger.Error("Event not published", errspkg.ErrTenantRequired, logging.LogFields{
			logging.FieldEventType: eventType,
		})
		return false
	}
	env, err := s.NewEnvelope(ctx, tenantID, payload, opts...)
	if err != nil {
		s.Logger.Error("Event not published", err, logging.LogFields{
			logging.FieldEventType: eventType,
			logging.FieldTenantID:  tenantID,
		})
		return false
	}
	return s.TryPublish(ctx, env)
}
