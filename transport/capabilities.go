package transport

// Capabilities describes what a transport guarantees.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string `json:"name"`

	// SupportsNativeDLQ indicates rejected messages are routed by the broker
	// through the queue's dead-letter arguments.
	SupportsNativeDLQ bool `json:"nativeDlq"`

	// SupportsOrdering indicates deliveries from one queue arrive in publish order.
	SupportsOrdering bool `json:"ordering"`

	// SupportsConfirms indicates publisher confirms are available.
	SupportsConfirms bool `json:"confirms"`

	SupportsAck  bool `json:"ack"`
	SupportsNack bool `json:"nack"`

	// Durable indicates persistent messages survive a broker restart.
	Durable bool `json:"durable"`
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	// RabbitMQCapabilities describes an AMQP 0-9-1 broker.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsConfirms:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		Durable:           true,
	}

	// MemoryCapabilities describes the in-process broker. Nothing survives the
	// process.
	MemoryCapabilities = Capabilities{
		Name:              "memory",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsConfirms:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		Durable:           false,
	}
)
