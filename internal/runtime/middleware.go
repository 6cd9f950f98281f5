package runtime

import (
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/tenantbus/internal/runtime/broker"
	"github.com/drblury/tenantbus/internal/runtime/ids"
	"github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/tenantbus/runtime"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain installed by NewService, outermost
// first. Retry sits inside the poison and delivery middlewares so they see
// the final result of a delivery, and outside the recoverer so panics are
// retried like errors.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		DeliveryMiddleware(),
		PoisonMiddleware(nil),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(s.promRegisterer, "tenantbus", "router")
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return correlationIDMiddleware, nil
		},
	}
}

// LogMessagesMiddleware logs every delivery at debug level.
func LogMessagesMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps each delivery in a consumer span, parented by the
// trace context the producer propagated in the headers.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(s.tracerProvider.Tracer(tracerName)), nil
		},
	}
}

// DeliveryMiddleware records delivery outcomes in the subscription stats and
// runs the DeliveryHooks given to NewService.
func DeliveryMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "delivery",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.deliveryMiddleware(), nil
		},
	}
}

// PoisonMiddleware labels failures matching filter as poison so they are
// dead-lettered with outcome "poison". The default filter matches
// UnprocessableEventError.
func PoisonMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			f := filter
			if f == nil {
				f = IsUnprocessable
			}
			return poisonMiddleware(s.Logger, f), nil
		},
	}
}

// RetryMiddleware re-invokes failed handlers with linear backoff. Zero
// fields of cfg fall back to the service configuration.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.retryMiddleware(cfg.withDefaults(s.Conf)), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they can be retried or dead-lettered.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadata.CorrelationID) == "" {
			msg.Metadata.Set(metadata.CorrelationID, ids.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", logging.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			eventType := msg.Metadata.Get(metadata.EventType)
			ctx, span := tracer.Start(msg.Context(), "process "+eventType,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.destination.name", msg.Metadata.Get(metadata.Queue)),
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("tenant.id", msg.Metadata.Get(metadata.TenantID)),
				))
			defer span.End()
			msg.SetContext(ctx)

			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}

func poisonMiddleware(logger logging.ServiceLogger, filter func(error) bool) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err != nil && filter(err) {
				msg.Metadata.Set(metadata.Outcome, broker.OutcomePoison)
				logger.Error("Poison message, dead-lettering without retry", err, logging.LogFields{
					"message_uuid":         msg.UUID,
					logging.FieldQueue:     msg.Metadata.Get(metadata.Queue),
					logging.FieldEventType: msg.Metadata.Get(metadata.EventType),
				})
			}
			return out, err
		}
	}
}

func (s *Service) deliveryMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			queue := msg.Metadata.Get(metadata.Queue)
			dc := DeliveryContext{
				Subscription: message.HandlerNameFromCtx(msg.Context()),
				Queue:        queue,
				EventType:    msg.Metadata.Get(metadata.EventType),
				EventID:      msg.UUID,
				TenantID:     msg.Metadata.Get(metadata.TenantID),
				Metadata:     msg.Metadata,
				Context:      msg.Context(),
				StartedAt:    time.Now(),
			}
			if s.hooks.OnStart != nil {
				s.hooks.OnStart(dc)
			}

			out, err := h(msg)

			dc.Duration = time.Since(dc.StartedAt)
			dc.Attempts, _ = strconv.Atoi(msg.Metadata.Get(metadata.Attempt))
			dc.Outcome = deliveryOutcome(msg, err)
			if stats := s.statsFor(queue); stats != nil {
				stats.recordOutcome(dc.Outcome)
			}

			if err == nil {
				if s.hooks.OnDone != nil {
					s.hooks.OnDone(dc)
				}
				return out, nil
			}
			if s.hooks.OnError != nil {
				s.hooks.OnError(dc, err)
			}
			if dc.Outcome != broker.OutcomeRequeued && s.topology.DeadLetterEnabled() && s.hooks.OnDeadLetter != nil {
				s.hooks.OnDeadLetter(dc, err)
			}
			return out, err
		}
	}
}

// deliveryOutcome mirrors how the subscriber settles msg once the handler
// chain returned err.
func deliveryOutcome(msg *message.Message, err error) string {
	outcome := msg.Metadata.Get(metadata.Outcome)
	if err == nil {
		if outcome == broker.OutcomeIgnored {
			return outcome
		}
		return broker.OutcomeAcked
	}
	if msg.Metadata.Get(metadata.Requeue) == "true" {
		return broker.OutcomeRequeued
	}
	if outcome == broker.OutcomePoison {
		return outcome
	}
	return broker.OutcomeDeadLettered
}
