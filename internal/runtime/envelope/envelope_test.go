package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/ids"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 30, 15, 123456789, time.UTC)
	env, err := New(TypeOrderConfirmed, "tenant-1", OrderConfirmed{OrderID: "o-1", ConfirmedBy: "u-9"},
		WithSource("orders-api"),
		WithCorrelationID("corr-1"),
		WithTimestamp(at),
	)
	require.NoError(t, err)
	require.True(t, ids.Valid(env.ID))

	body, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(body)
	require.NoError(t, err)

	assert.Equal(t, env.ID, parsed.ID)
	assert.Equal(t, env.Type, parsed.Type)
	assert.Equal(t, env.TenantID, parsed.TenantID)
	assert.True(t, env.Timestamp.Equal(parsed.Timestamp), "timestamp %s != %s", env.Timestamp, parsed.Timestamp)
	assert.Equal(t, env.Source, parsed.Source)
	assert.Equal(t, env.CorrelationID, parsed.CorrelationID)
	assert.JSONEq(t, string(env.Data), string(parsed.Data))
}

func TestEnvelopeWireFieldNames(t *testing.T) {
	env, err := New(TypeStockAdjusted, "t-1", StockAdjusted{SKU: "A-1", Warehouse: "WH1", Delta: -2})
	require.NoError(t, err)

	body, err := env.Marshal()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	for _, key := range []string{"id", "type", "timestamp", "tenantId", "data"} {
		assert.Contains(t, wire, key)
	}
	assert.Equal(t, "stock.adjusted", wire["type"])
}

func TestNewRejectsMissingFields(t *testing.T) {
	_, err := New(TypeOrderCreated, "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidEnvelope))
	assert.True(t, errors.Is(err, errs.ErrTenantRequired))
	assert.Contains(t, err.Error(), "tenantId")

	_, err = New("", "t-1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidEnvelope))
	assert.False(t, errors.Is(err, errs.ErrTenantRequired))
	assert.Contains(t, err.Error(), "type")
}

func TestNewAcceptsRawPayloads(t *testing.T) {
	env, err := New("custom.thing", "t-1", []byte(`{"k":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(env.Data))

	_, err = New("custom.thing", "t-1", []byte(`{"k":`))
	assert.ErrorIs(t, err, errs.ErrInvalidEnvelope)
}

func TestNewEventInfersType(t *testing.T) {
	env, err := NewEvent("t-1", InvoicePaid{InvoiceID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, TypeInvoicePaid, env.Type)

	_, err = NewEvent("t-1", nil)
	assert.ErrorIs(t, err, errs.ErrInvalidEnvelope)
}

func TestFollowKeepsTenantAndCorrelation(t *testing.T) {
	offer, err := NewEvent("t-1", OfferAccepted{OfferID: "of-1", OrderID: "o-1"}, WithSource("sales"))
	require.NoError(t, err)

	order, err := offer.Follow(TypeOrderCreated, OrderCreated{OrderID: "o-1", CustomerID: "c-1", Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", order.TenantID)
	assert.Equal(t, offer.ID, order.CorrelationID, "first follow-up starts the chain with the parent id")
	assert.Equal(t, "sales", order.Source)
	assert.NotEqual(t, offer.ID, order.ID)

	invoice, err := order.Follow(TypeInvoiceIssued, InvoiceIssued{InvoiceID: "i-1", OrderID: "o-1", Currency: "EUR"}, WithSource("billing"))
	require.NoError(t, err)
	assert.Equal(t, offer.ID, invoice.CorrelationID)
	assert.Equal(t, "billing", invoice.Source)
}

func TestParseRejectsPoison(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not json":       `order created`,
		"truncated":      `{"type":"order.created"`,
		"missing tenant": `{"type":"order.created","data":{}}`,
		"missing type":   `{"tenantId":"t-1"}`,
		"blank tenant":   `{"type":"order.created","tenantId":""}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrInvalidEnvelope)
		})
	}
}

func TestDecodeDataWithoutData(t *testing.T) {
	env := Envelope{Type: TypeOrderCancelled, TenantID: "t-1"}
	var out OrderCancelled
	assert.ErrorIs(t, env.DecodeData(&out), errs.ErrInvalidEnvelope)
}
