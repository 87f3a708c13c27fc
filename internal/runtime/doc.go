/*
Package runtime implements the localbus message bus.

# Architecture Overview

A Bus embeds a broker client into one process. It publishes registered
payloads to a single broker channel and dispatches messages received on that
channel to the handler registered for their type. Delivery is at least once:
a handler either completes a message synchronously or persists it to the
durable store first, and failed messages are retried from the store with
exponential backoff.

# Package Structure

## Registry (registry.go)

RegistryBuilder declares payload types and binds handlers before the bus is
created:
  - RegisterType[T]: one type id per payload type
  - RegisterHandler[T]: one handler per payload type
  - Handle[T]: both in one call

Build returns an immutable Registry used for type resolution and payload
encoding. Payloads implementing proto.Message use protojson; everything else
uses jsoncodec.

## Bus (bus.go, publisher.go, dispatch.go)

The Bus owns the durable store, the middleware chain, the connection manager
and the retry scheduler:
  - Publish: stamp an envelope and send it, or spool it to outbound/
  - OnInboundMessage: decode, dispatch and settle a transport delivery
  - Start / Stop: replay, schedule, connect and serve introspection HTTP

## Message Context (context.go)

MessageContext is the per-delivery state machine a handler drives:

	Received --Persistence--> Persisted --Complete--> Completed
	    |                         |
	    +--------Complete---------|-----------------> Completed
	    +------failure------------+-----------------> Failed

Dispatch returns an Outcome. OutcomePropagate nacks the transport message;
OutcomeOK and OutcomeAbsorbed leave the acknowledgement in place.

## Retry (retry.go)

RetryScheduler sweeps errors/ every RetryInterval and redispatches records
whose backoff of 2^HandleCount minutes has elapsed. Corrupt records are
quarantined: logged once and left on disk.

## Connection (connection.go)

The connection manager builds the configured transport, subscribes to the
channel and reconnects after the subscription closes.

## Middleware and Stats (middleware.go, hooks.go, models.go, store_metrics.go)

Handler invocation runs through a Watermill handler middleware chain:
correlation ids, message logging, OpenTelemetry tracing, Prometheus
metrics, job hooks and panic recovery. Per-type HandlerStats and
StoreMetrics feed the HTTP API in webui.go.

# Sub-packages

  - clock/: time source with a fake for tests
  - config/: bus configuration with validation
  - envelope/: message envelope, receipt metadata and record codecs
  - errors/: sentinel errors and error types
  - ids/: ULID message ids
  - logging/: logger interface and adapters
  - metadata/: transport metadata keys
  - store/: filesystem durable store
*/
package runtime
