package transport

// Capabilities describes the delivery guarantees of a transport backend. The
// bus consults them to decide how an unabsorbed handler failure is handled.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a negative acknowledgment leads to redelivery.
	SupportsNack bool

	// SupportsOrdering indicates messages on one channel arrive in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport carries metadata headers, so
	// trace context survives the hop.
	SupportsTracing bool

	// SupportsPartitioning indicates the channel is split across partitions.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum envelope size in bytes (0 = unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresFailureCapture reports whether a nacked message would be lost. The
// bus then writes propagated failures to the errors directory itself.
func (c Capabilities) RequiresFailureCapture() bool {
	return !c.SupportsReliableDelivery()
}

// Fits reports whether an envelope of size bytes can be sent.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the bundled transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsAck:          true,
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // broker default message.max.bytes
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports report a zero Capabilities with only the name set.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
