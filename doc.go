// Package tenantbus is the event bus of a multi-tenant business platform. It
// publishes tenant-scoped domain events ("order.confirmed", "invoice.issued")
// to a durable topic exchange on an AMQP 0-9-1 broker and dispatches them to
// typed handlers, on top of a Watermill router.
//
// A Service owns the broker connection, provisions the exchange, the
// per-subscription queues and their dead-letter pairs, and hosts the router.
// Subscribe registers a Handler[T] for the event type of T on the queue
// "{eventType}.{serviceName}"; SubscribeEnvelope consumes binding patterns
// such as "order.*" for audit-style consumers. A minimal setup fills Config
// (usually via LoadConfig), creates a Service, subscribes handlers and calls
// Start.
//
// # Delivery
//
// Handlers see each event at least once. A failing handler is retried with a
// linearly growing delay, 1+MaxRetries invocations in total, and the message
// is then dead-lettered to "<queue>.dlq". Deliveries that cannot be parsed or
// validated are dead-lettered at once. Wrap handlers with Idempotent and an
// inbox store (memory, Redis or MongoDB) to make redeliveries harmless.
//
// Publishing never blocks on an unreachable broker: Publish fails fast with
// ErrNotConnected, while TryPublish and PublishFromContext log and report
// false for request paths that must not fail because the bus is down.
//
// # Identity
//
// IdentityMiddleware trusts the X-User-* and X-Tenant-Id headers injected by
// the upstream gateway and answers 401 when they are incomplete. The headers
// are not verified cryptographically, so services must only be reachable
// through the gateway. HybridIdentity adds a legacy bearer token fallback for
// requests that carry none of the headers.
//
// # Transports
//
//   - amqp, amqps: RabbitMQ through amqp091-go
//   - memory: an in-process topic broker for tests and local development
//
// # Observability
//
// Logs go through ServiceLogger (zap-backed slog in production). Prometheus
// metrics, OpenTelemetry spans, /healthz and /api/subscriptions are served
// by the Service when the matching ports are configured, and DeliveryHooks
// observe every delivery outcome.
package tenantbus
