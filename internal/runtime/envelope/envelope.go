// Package envelope defines the JSON envelope every event travels in and the
// registry that maps event types onto payload structs.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/ids"
	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
)

// EventType is the dot-delimited event name. It doubles as the routing key.
type EventType string

func (t EventType) String() string { return string(t) }

// Envelope is the message body of every event on the bus. It is immutable
// once built: the payload is marshalled by New.
type Envelope struct {
	ID            string          `json:"id,omitempty"`
	Type          EventType       `json:"type" validate:"required"`
	Timestamp     time.Time       `json:"timestamp"`
	TenantID      string          `json:"tenantId" validate:"required"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Option customises an envelope built by New.
type Option func(*Envelope)

// WithSource sets the producing service name.
func WithSource(source string) Option {
	return func(e *Envelope) { e.Source = source }
}

// WithCorrelationID links the event into an existing causal chain.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithTimestamp overrides the creation instant.
func WithTimestamp(at time.Time) Option {
	return func(e *Envelope) { e.Timestamp = at.UTC() }
}

// WithID overrides the generated event id.
func WithID(id string) Option {
	return func(e *Envelope) { e.ID = id }
}

var validate = newValidator()

// newValidator reports json field names so errors match the wire format.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// New builds a validated envelope around payload. A nil payload leaves Data
// empty.
func New(eventType EventType, tenantID string, payload any, opts ...Option) (Envelope, error) {
	env := Envelope{
		ID:        ids.CreateULID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	if payload != nil {
		data, err := marshalPayload(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: marshal %s payload: %w", errs.ErrInvalidEnvelope, eventType, err)
		}
		env.Data = data
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewEvent builds an envelope whose type is taken from the payload.
func NewEvent(tenantID string, payload Payload, opts ...Option) (Envelope, error) {
	if payload == nil {
		return Envelope{}, fmt.Errorf("%w: payload is nil", errs.ErrInvalidEnvelope)
	}
	return New(payload.EventType(), tenantID, payload, opts...)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		if !jsoncodec.Valid(p) {
			return nil, errors.New("payload bytes are not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	return jsoncodec.Marshal(payload)
}

// Follow builds a follow-up event in the same tenant and causal chain. When
// the parent carries no correlation id its own id starts the chain.
func (e Envelope) Follow(eventType EventType, payload any, opts ...Option) (Envelope, error) {
	correlation := e.CorrelationID
	if correlation == "" {
		correlation = e.ID
	}
	base := []Option{WithCorrelationID(correlation)}
	if e.Source != "" {
		base = append(base, WithSource(e.Source))
	}
	return New(eventType, e.TenantID, payload, append(base, opts...)...)
}

// Validate checks the mandatory fields. Failures wrap ErrInvalidEnvelope, and
// ErrTenantRequired when the tenant is missing.
func (e Envelope) Validate() error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", errs.ErrInvalidEnvelope, err)
	}
	missing := make([]string, 0, len(fieldErrs))
	tenantMissing := false
	for _, fe := range fieldErrs {
		missing = append(missing, fe.Field())
		if fe.StructField() == "TenantID" {
			tenantMissing = true
		}
	}
	msg := "missing " + strings.Join(missing, ", ")
	if tenantMissing {
		return fmt.Errorf("%w: %s: %w", errs.ErrInvalidEnvelope, msg, errs.ErrTenantRequired)
	}
	return fmt.Errorf("%w: %s", errs.ErrInvalidEnvelope, msg)
}

// Marshal encodes the envelope as the wire body.
func (e Envelope) Marshal() ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// Parse decodes and validates a wire body.
func Parse(body []byte) (Envelope, error) {
	if len(body) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty body", errs.ErrInvalidEnvelope)
	}
	var env Envelope
	if err := jsoncodec.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", errs.ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeData unmarshals the payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s carries no data", errs.ErrInvalidEnvelope, e.Type)
	}
	return jsoncodec.Unmarshal(e.Data, v)
}
