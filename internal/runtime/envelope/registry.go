package envelope

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
)

// Factory returns a pointer to a fresh payload value.
type Factory func() any

// Registry resolves event types to payload structs.
type Registry struct {
	mu        sync.RWMutex
	factories map[EventType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[EventType]Factory)}
}

// DefaultRegistry returns a registry holding every built-in event type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	mustRegister[TenantCreated](r)
	mustRegister[UserInvited](r)
	mustRegister[OfferCreated](r)
	mustRegister[OfferAccepted](r)
	mustRegister[OrderCreated](r)
	mustRegister[OrderConfirmed](r)
	mustRegister[OrderCancelled](r)
	mustRegister[InvoiceIssued](r)
	mustRegister[InvoicePaid](r)
	mustRegister[StockAdjusted](r)
	mustRegister[EmployeeHired](r)
	mustRegister[ProjectCreated](r)
	return r
}

func mustRegister[T Payload](r *Registry) {
	if err := RegisterPayload[T](r); err != nil {
		panic(err)
	}
}

// Register adds an event type. Registering a type twice is an error.
func (r *Registry) Register(eventType EventType, factory Factory) error {
	if eventType == "" {
		return errs.ErrEventTypeRequired
	}
	if factory == nil {
		return fmt.Errorf("tenantbus: factory for %s is nil", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[eventType]; exists {
		return fmt.Errorf("tenantbus: event type %s already registered", eventType)
	}
	r.factories[eventType] = factory
	return nil
}

// RegisterPayload registers T under the type it reports.
func RegisterPayload[T Payload](r *Registry) error {
	var zero T
	return r.Register(zero.EventType(), func() any { return new(T) })
}

// Known reports whether eventType is registered.
func (r *Registry) Known(eventType EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[eventType]
	return ok
}

// Types lists the registered event types in lexical order.
func (r *Registry) Types() []EventType {
	r.mu.RLock()
	out := make([]EventType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Decode resolves the payload struct for env.Type, unmarshals and validates
// it. The result is a pointer to the payload struct.
func (r *Registry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownEventType, env.Type)
	}
	target := factory()
	if err := decodeInto(env, target); err != nil {
		return nil, err
	}
	return target, nil
}

// Decode unmarshals and validates the payload of env as T. The envelope type
// must match the type T reports.
func Decode[T Payload](env Envelope) (T, error) {
	var out T
	if want := out.EventType(); env.Type != want {
		return out, fmt.Errorf("%w: expected %s, got %s", errs.ErrUnknownEventType, want, env.Type)
	}
	if err := decodeInto(env, &out); err != nil {
		return out, err
	}
	return out, nil
}

func decodeInto(env Envelope, target any) error {
	if err := env.DecodeData(target); err != nil {
		return fmt.Errorf("%w: decode %s payload: %w", errs.ErrInvalidEnvelope, env.Type, err)
	}
	if reflect.Indirect(reflect.ValueOf(target)).Kind() != reflect.Struct {
		return nil
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s payload: %w", errs.ErrInvalidEnvelope, env.Type, err)
	}
	return nil
}
