/*
Package runtime provides the event bus of a tenantbus service.

# Architecture Overview

A Service owns one broker connection, a confirming publisher and a
subscriber feeding a Watermill router. Every published event is an
envelope carrying the tenant it belongs to; consumers receive it through
typed handlers registered per event type.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Broker connection manager with bounded, linearly growing reconnect waits
  - Topic exchange and per-queue dead-letter topology
  - Publisher that fails fast while the broker is unreachable
  - Subscriber bounded by prefetch and concurrency
  - Middleware chain and router
  - HTTP servers for /healthz, the stats API and /metrics

## Subscriptions (registration.go)

Subscribe registers a Handler[T] for the event type T reports, on the
queue "{eventType}.{serviceName}" unless WithQueue says otherwise.
SubscribeEnvelope consumes binding patterns such as "order.*".

## Middleware (middleware.go, retry.go)

  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of deliveries
  - Tracer: OpenTelemetry consumer spans
  - Metrics: Prometheus router metrics
  - Delivery: Outcome counters and DeliveryHooks
  - Poison: Dead-letters unprocessable deliveries without retry
  - Retry: Linear backoff, then dead-lettering
  - Recoverer: Panic recovery

## Publishing (publisher.go)

Publish and PublishEvent report errors; TryPublish and PublishFromContext
log them instead, for request paths that must never fail because the bus
is down.

## Stats & Monitoring (models.go, resources.go, dlq_metrics.go, statsapi.go)

Per-subscription latency percentiles, throughput, error categories,
outcomes and dead-letter counters.

# Sub-packages

  - broker/: Connection, topology, publisher, subscriber and dead letters
  - config/: Environment configuration with validation
  - envelope/: Event envelope, payload types and registry
  - errors/: Sentinel errors
  - identity/: Tenant identity middleware for HTTP
  - inbox/: Idempotent consumption stores
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling
  - logging/: Logger interface and adapters
  - metadata/: Message metadata keys

# Usage Example

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(&cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}

	err = runtime.Subscribe(svc, func(ctx context.Context, evt runtime.Event[envelope.OrderCreated]) error {
		return invoices.Issue(ctx, evt.Envelope.TenantID, evt.Payload)
	})

	return svc.Start(ctx)
*/
package runtime
