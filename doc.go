// Package localbus is a process-embedded message bus built on Watermill. An
// application declares its message types and handlers in a Registry, creates
// a Bus from a Config, and calls Start; the bus connects to one named channel
// on the configured broker (Kafka, RabbitMQ, AWS SNS/SQS, NATS, HTTP, I/O, or
// in-process Go channels), publishes envelopes stamped with the application's
// identity, and dispatches every inbound envelope to the handler registered
// for its type id.
//
// # Delivery
//
// Handlers receive a MessageContext. Calling Persistence writes the message
// to the pending directory under Config.DurableRoot and acknowledges the
// broker, after which the bus owns the message: a handler failure moves it to
// the errors directory and the retry scheduler redelivers it with an
// exponential backoff of 2^HandleCount minutes. Complete removes the durable
// record. A failure before Persistence is nacked back to the broker, or
// captured in the errors directory when the transport cannot redeliver.
// Records left in pending or errors are replayed on Start.
//
// # Publishing
//
// Bus.Publish fails fast with ErrNotConnected while the broker is
// unreachable. Config.DirectWriteThrough set to DirectWriteFallback spools
// such publishes to the outbound directory and drains them after the next
// connect; DirectWriteAlways routes every publish through the spool.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, structured
// logging, OpenTelemetry tracing, Prometheus metrics and panic recovery.
// Custom middleware can be added via BusDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around handler execution.
//
// Importing this package registers every built-in transport in
// DefaultTransportRegistry. BusDependencies.Transports replaces the registry,
// for example with a TransportRegistry holding a single transport.
package localbus
