package metadata

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{TenantID: "t-1", EventType: "order.created"}
	clone := original.Clone()
	clone[TenantID] = "t-2"

	if original[TenantID] != "t-1" {
		t.Fatalf("expected original map to stay untouched, got %q", original[TenantID])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil {
		t.Fatal("expected non-nil map")
	}
	if len(cloned) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestWith(t *testing.T) {
	base := Metadata{TenantID: "t-1"}
	enriched := base.With(Requeue, "true")
	if _, ok := base[Requeue]; ok {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched[Requeue] != "true" || enriched[TenantID] != "t-1" {
		t.Fatalf("unexpected enriched map %#v", enriched)
	}
}

func TestNewPairs(t *testing.T) {
	md := New(TenantID, "t-1", EventType, "order.created", "dangling")
	assert.Equal(t, Metadata{TenantID: "t-1", EventType: "order.created"}, md)
}

func TestWatermillConversion(t *testing.T) {
	wm := ToWatermill(Metadata{CorrelationID: "c-1"})
	assert.Equal(t, "c-1", wm.Get(CorrelationID))

	back := FromWatermill(message.Metadata{CorrelationID: "c-2"})
	assert.Equal(t, "c-2", back[CorrelationID])

	assert.NotNil(t, ToWatermill(nil))
	assert.NotNil(t, FromWatermill(nil))
}

func TestFromTableFlattensValues(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	md := FromTable(amqp.Table{
		TenantID:    "t-1",
		"bytes":     []byte("raw"),
		"flag":      true,
		"count":     int32(7),
		"ratio":     1.5,
		"published": at,
		"nested":    amqp.Table{"ignored": true},
		"x-death": []any{
			amqp.Table{"count": int64(2), "queue": "order.created.billing"},
			amqp.Table{"count": int64(1), "queue": "order.created.billing.dlq"},
		},
	})

	assert.Equal(t, "t-1", md[TenantID])
	assert.Equal(t, "raw", md["bytes"])
	assert.Equal(t, "true", md["flag"])
	assert.Equal(t, "7", md["count"])
	assert.Equal(t, "1.5", md["ratio"])
	assert.Equal(t, "2026-01-02T03:04:05Z", md["published"])
	assert.Equal(t, "3", md[DeathCount])
	_, hasNested := md["nested"]
	assert.False(t, hasNested)
}

func TestToTable(t *testing.T) {
	table := ToTable(Metadata{TenantID: "t-1"})
	assert.Equal(t, amqp.Table{TenantID: "t-1"}, table)
}
