package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{"ack and nack", Capabilities{SupportsAck: true, SupportsNack: true}, true},
		{"ack only", Capabilities{SupportsAck: true}, false},
		{"neither", Capabilities{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	assert.Equal(t, "rabbitmq", RabbitMQCapabilities.Name)
	assert.True(t, RabbitMQCapabilities.Durable)
	assert.True(t, RabbitMQCapabilities.SupportsNativeDLQ)

	assert.Equal(t, "memory", MemoryCapabilities.Name)
	assert.False(t, MemoryCapabilities.Durable)
	assert.True(t, MemoryCapabilities.SupportsReliableDelivery())
}
