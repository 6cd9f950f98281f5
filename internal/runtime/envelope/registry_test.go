package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
)

func TestDefaultRegistryKnowsBuiltInTypes(t *testing.T) {
	r := DefaultRegistry()
	types := r.Types()
	assert.Len(t, types, 12)
	assert.Equal(t, TypeEmployeeHired, types[0])
	for _, typ := range []EventType{TypeOrderCreated, TypeInvoiceIssued, TypeTenantCreated, TypeProjectCreated} {
		assert.True(t, r.Known(typ), "expected %s to be known", typ)
	}
	assert.False(t, r.Known("order.shipped"))
}

func TestRegistryDecode(t *testing.T) {
	r := DefaultRegistry()
	env, err := NewEvent("t-1", OrderCreated{
		OrderID:    "o-1",
		CustomerID: "c-1",
		Lines:      []OrderLine{{SKU: "A-1", Quantity: 2, UnitPrice: 500}},
		Total:      1000,
		Currency:   "EUR",
	})
	require.NoError(t, err)

	decoded, err := r.Decode(env)
	require.NoError(t, err)
	order, ok := decoded.(*OrderCreated)
	require.True(t, ok, "expected *OrderCreated, got %T", decoded)
	assert.Equal(t, "o-1", order.OrderID)
	assert.Len(t, order.Lines, 1)
}

func TestRegistryDecodeUnknownType(t *testing.T) {
	r := DefaultRegistry()
	env := Envelope{Type: "order.shipped", TenantID: "t-1", Data: []byte(`{}`)}
	_, err := r.Decode(env)
	assert.ErrorIs(t, err, errs.ErrUnknownEventType)
}

func TestRegistryDecodeValidatesPayload(t *testing.T) {
	r := DefaultRegistry()
	env := Envelope{Type: TypeUserInvited, TenantID: "t-1", Data: []byte(`{"userId":"u-1","email":"not-an-email"}`)}
	_, err := r.Decode(env)
	assert.ErrorIs(t, err, errs.ErrInvalidEnvelope)

	env.Data = []byte(`{"userId":"u-1","email":"u1@example.com","roles":["admin"]}`)
	decoded, err := r.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, decoded.(*UserInvited).Roles)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterPayload[ProjectCreated](r))
	assert.Error(t, RegisterPayload[ProjectCreated](r))
	assert.ErrorIs(t, r.Register("", func() any { return nil }), errs.ErrEventTypeRequired)
	assert.Error(t, r.Register("custom.thing", nil))
}

func TestRegistryCustomNonStructPayload(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("metrics.sampled", func() any { return &map[string]float64{} }))

	decoded, err := r.Decode(Envelope{Type: "metrics.sampled", TenantID: "t-1", Data: []byte(`{"cpu":0.5}`)})
	require.NoError(t, err)
	assert.Equal(t, 0.5, (*decoded.(*map[string]float64))["cpu"])
}

func TestGenericDecode(t *testing.T) {
	env, err := NewEvent("t-1", StockAdjusted{SKU: "A-1", Warehouse: "WH1", Delta: 5})
	require.NoError(t, err)

	got, err := Decode[StockAdjusted](env)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Delta)

	_, err = Decode[InvoicePaid](env)
	assert.ErrorIs(t, err, errs.ErrUnknownEventType)
}
