package tenantbus

import (
	"context"
	"log/slog"

	"github.com/drblury/tenantbus/internal/runtime"
	"github.com/drblury/tenantbus/internal/runtime/broker"
	configpkg "github.com/drblury/tenantbus/internal/runtime/config"
	"github.com/drblury/tenantbus/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/identity"
	idspkg "github.com/drblury/tenantbus/internal/runtime/ids"
	"github.com/drblury/tenantbus/internal/runtime/inbox"
	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/transport"

	// The AMQP transport is always available through the facade.
	_ "github.com/drblury/tenantbus/transport/rabbitmq"
)

type (
	Config              = configpkg.Config
	Service             = runtime.Service
	ServiceDependencies = runtime.ServiceDependencies

	Subscription     = runtime.Subscription
	SubscribeOption  = runtime.SubscribeOption
	SubscriptionInfo = runtime.SubscriptionInfo

	MiddlewareBuilder      = runtime.MiddlewareBuilder
	MiddlewareRegistration = runtime.MiddlewareRegistration
	RetryMiddlewareConfig  = runtime.RetryMiddlewareConfig

	DeliveryContext = runtime.DeliveryContext
	DeliveryHooks   = runtime.DeliveryHooks

	SubscriptionStats = runtime.SubscriptionStats
	StatsTotals       = runtime.StatsTotals
	ErrorCategory     = runtime.ErrorCategory
	ErrorClassifier   = runtime.ErrorClassifier

	DLQMetrics         = runtime.DLQMetrics
	DLQQueueMetrics    = runtime.DLQQueueMetrics
	DLQMetricsSnapshot = runtime.DLQMetricsSnapshot

	UnprocessableEventError = runtime.UnprocessableEventError

	ConnectionState = broker.State

	Envelope       = envelope.Envelope
	EventType      = envelope.EventType
	Payload        = envelope.Payload
	EnvelopeOption = envelope.Option
	Registry       = envelope.Registry
	PayloadFactory = envelope.Factory
	TenantCreated  = envelope.TenantCreated
	UserInvited    = envelope.UserInvited
	OfferCreated   = envelope.OfferCreated
	OfferAccepted  = envelope.OfferAccepted
	OrderLine      = envelope.OrderLine
	OrderCreated   = envelope.OrderCreated
	OrderConfirmed = envelope.OrderConfirmed
	OrderCancelled = envelope.OrderCancelled
	InvoiceIssued  = envelope.InvoiceIssued
	InvoicePaid    = envelope.InvoicePaid
	StockAdjusted  = envelope.StockAdjusted
	EmployeeHired  = envelope.EmployeeHired
	ProjectCreated = envelope.ProjectCreated

	Identity          = identity.Identity
	IdentityOptions   = identity.Options
	Authenticator     = identity.Authenticator
	InboxStore        = inbox.Store
	InboxRecord       = inbox.Record
	TransportRegistry = transport.Registry
	Dialer            = transport.Dialer

	ServiceLogger = loggingpkg.ServiceLogger
	LogFields     = loggingpkg.LogFields
)

// Event is a decoded delivery handed to a Handler.
type Event[T any] = runtime.Event[T]

// Handler consumes one event of type T.
type Handler[T any] = runtime.Handler[T]

var (
	NewService        = runtime.NewService
	DefaultQueueName  = runtime.DefaultQueueName
	WithQueue         = runtime.WithQueue
	WithName          = runtime.WithName
	SubscribeEnvelope = runtime.SubscribeEnvelope

	EnvelopeFromContext = runtime.EnvelopeFromContext

	DefaultMiddlewares      = runtime.DefaultMiddlewares
	CorrelationIDMiddleware = runtime.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtime.LogMessagesMiddleware
	TracerMiddleware        = runtime.TracerMiddleware
	MetricsMiddleware       = runtime.MetricsMiddleware
	DeliveryMiddleware      = runtime.DeliveryMiddleware
	PoisonMiddleware        = runtime.PoisonMiddleware
	RetryMiddleware         = runtime.RetryMiddleware
	RecovererMiddleware     = runtime.RecovererMiddleware

	LoggingHooks  = runtime.LoggingHooks
	AlertingHooks = runtime.AlertingHooks

	NewDLQMetrics              = runtime.NewDLQMetrics
	NewUnprocessableEventError = runtime.NewUnprocessableEventError
	IsUnprocessable            = runtime.IsUnprocessable

	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	NewEnvelope       = envelope.New
	ParseEnvelope     = envelope.Parse
	NewRegistry       = envelope.NewRegistry
	DefaultRegistry   = envelope.DefaultRegistry
	WithSource        = envelope.WithSource
	WithCorrelationID = envelope.WithCorrelationID
	WithTimestamp     = envelope.WithTimestamp
	WithEventID       = envelope.WithID

	IdentityMiddleware          = identity.Middleware
	HybridIdentity              = identity.Hybrid
	WithFeatureToggle           = identity.WithFeatureToggle
	EchoIdentity                = identity.Echo
	IdentityFromContext         = identity.FromContext
	IdentityFromEcho            = identity.FromEcho
	TenantFromContext           = identity.TenantFromContext
	WithIdentity                = identity.WithIdentity
	NewLegacyTokenAuthenticator = identity.NewLegacyTokenAuthenticator

	NewMemoryInbox = inbox.NewMemoryStore
	NewRedisInbox  = inbox.NewRedisStore
	NewMongoInbox  = inbox.NewMongoStore

	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	NewEventID = idspkg.CreateULID

	NewServiceLogger     = loggingpkg.NewServiceLogger
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrQueueRequired         = errspkg.ErrQueueRequired
	ErrEventTypeRequired     = errspkg.ErrEventTypeRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrDuplicateSubscription = errspkg.ErrDuplicateSubscription
	ErrServiceStarted        = errspkg.ErrServiceStarted
	ErrInvalidEnvelope       = errspkg.ErrInvalidEnvelope
	ErrUnknownEventType      = errspkg.ErrUnknownEventType
	ErrTenantRequired        = errspkg.ErrTenantRequired
	ErrNotConnected          = errspkg.ErrNotConnected
	ErrConnectionFailed      = errspkg.ErrConnectionFailed
	ErrConnectionClosed      = errspkg.ErrConnectionClosed
	ErrPublishNacked         = errspkg.ErrPublishNacked
	ErrUnknownTransport      = errspkg.ErrUnknownTransport
	ErrPermanent             = errspkg.ErrPermanent
	ErrDeadLetterDisabled    = errspkg.ErrDeadLetterDisable

	ErrMissingUserID   = identity.ErrMissingUserID
	ErrMissingTenantID = identity.ErrMissingTenantID
	ErrMissingEmail    = identity.ErrMissingEmail
	ErrMalformedHeader = identity.ErrMalformedHeader
	ErrInvalidToken    = identity.ErrInvalidToken
)

// Event types of the platform.
const (
	TypeTenantCreated  = envelope.TypeTenantCreated
	TypeUserInvited    = envelope.TypeUserInvited
	TypeOfferCreated   = envelope.TypeOfferCreated
	TypeOfferAccepted  = envelope.TypeOfferAccepted
	TypeOrderCreated   = envelope.TypeOrderCreated
	TypeOrderConfirmed = envelope.TypeOrderConfirmed
	TypeOrderCancelled = envelope.TypeOrderCancelled
	TypeInvoiceIssued  = envelope.TypeInvoiceIssued
	TypeInvoicePaid    = envelope.TypeInvoicePaid
	TypeStockAdjusted  = envelope.TypeStockAdjusted
	TypeEmployeeHired  = envelope.TypeEmployeeHired
	TypeProjectCreated = envelope.TypeProjectCreated
)

// Connection states reported by Service.ConnectionState.
const (
	StateDisconnected = broker.StateDisconnected
	StateConnecting   = broker.StateConnecting
	StateConnected    = broker.StateConnected
	StateReconnecting = broker.StateReconnecting
	StateFailed       = broker.StateFailed
	StateClosed       = broker.StateClosed
)

// Gateway header names read by the identity middleware.
const (
	HeaderUserID    = identity.HeaderUserID
	HeaderTenantID  = identity.HeaderTenantID
	HeaderUserEmail = identity.HeaderUserEmail
	HeaderRoles     = identity.HeaderRoles
	HeaderScopes    = identity.HeaderScopes
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtime.ErrorCategoryNone
	ErrorCategoryValidation = runtime.ErrorCategoryValidation
	ErrorCategoryTransport  = runtime.ErrorCategoryTransport
	ErrorCategoryDownstream = runtime.ErrorCategoryDownstream
	ErrorCategoryPermanent  = runtime.ErrorCategoryPermanent
	ErrorCategoryOther      = runtime.ErrorCategoryOther
)

func Subscribe[T Payload](svc *Service, h Handler[T], opts ...SubscribeOption) error {
	return runtime.Subscribe(svc, h, opts...)
}

func NewEvent(tenantID string, payload Payload, opts ...EnvelopeOption) (Envelope, error) {
	return envelope.NewEvent(tenantID, payload, opts...)
}

// Decode returns the payload of env as T.
func Decode[T Payload](env Envelope) (T, error) {
	return envelope.Decode[T](env)
}

// RegisterPayload makes T decodable by pattern subscriptions served from r.
func RegisterPayload[T Payload](r *Registry) error {
	return envelope.RegisterPayload[T](r)
}

// Idempotent wraps a handler so a redelivered event is skipped once the inbox
// holds it for consumer.
func Idempotent[T any](store InboxStore, consumer string, next Handler[T]) Handler[T] {
	return inbox.Idempotent(store, consumer, func(ctx context.Context, evt Event[T]) error {
		return next(ctx, evt)
	})
}

// NewLogger builds a ServiceLogger on top of an existing slog.Logger.
func NewLogger(log *slog.Logger) ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(log)
}
