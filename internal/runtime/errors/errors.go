package errors

import sterrors "errors"

var (
	ErrServiceRequired       = sterrors.New("tenantbus: event service is required")
	ErrHandlerRequired       = sterrors.New("tenantbus: handler function is required")
	ErrQueueRequired         = sterrors.New("tenantbus: queue name is required")
	ErrEventTypeRequired     = sterrors.New("tenantbus: at least one event type or binding pattern is required")
	ErrPublisherRequired     = sterrors.New("tenantbus: publisher is required")
	ErrConfigRequired        = sterrors.New("tenantbus: config is required")
	ErrLoggerRequired        = sterrors.New("tenantbus: logger is required")
	ErrDuplicateSubscription = sterrors.New("tenantbus: duplicate subscription")
	ErrServiceStarted        = sterrors.New("tenantbus: service already started")

	// Envelope errors.
	ErrInvalidEnvelope  = sterrors.New("tenantbus: invalid event envelope")
	ErrUnknownEventType = sterrors.New("tenantbus: unknown event type")
	ErrTenantRequired   = sterrors.New("tenantbus: tenant id is required")

	// Broker errors.
	ErrNotConnected      = sterrors.New("tenantbus: event bus is not connected")
	ErrConnectionFailed  = sterrors.New("tenantbus: broker connection gave up after max reconnect attempts")
	ErrConnectionClosed  = sterrors.New("tenantbus: broker connection is closed")
	ErrPublishNacked     = sterrors.New("tenantbus: broker rejected the published message")
	ErrSubscriberClosed  = sterrors.New("tenantbus: subscriber is closed")
	ErrUnknownTransport  = sterrors.New("tenantbus: unknown transport")
	ErrPermanent         = sterrors.New("tenantbus: permanent handler failure")
	ErrDeadLetterDisable = sterrors.New("tenantbus: dead lettering is disabled for this queue")
)
