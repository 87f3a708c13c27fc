package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	idspkg "github.com/drblury/localbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/localbus/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/localbus"

// MiddlewareBuilder constructs a handler middleware using the provided bus.
type MiddlewareBuilder func(*Bus) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware wraps handler invocation.
// Middlewares run in registration order, the first one outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain NewBus installs unless disabled.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware records handler execution metrics when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			if !b.conf.MetricsEnabled {
				return nil, nil
			}
			return b.metricsBuilder().NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each dispatched message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of dispatched messages.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = b.logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RecovererMiddleware converts handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

func (b *Bus) resolveMiddleware(cfg MiddlewareRegistration) (message.HandlerMiddleware, error) {
	switch {
	case cfg.Middleware != nil:
		return cfg.Middleware, nil
	case cfg.Builder != nil:
		return cfg.Builder(b)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

// metricsBuilder shares Watermill's Prometheus collectors between the
// handler middleware and the publisher decorator.
func (b *Bus) metricsBuilder() metrics.PrometheusMetricsBuilder {
	return metrics.NewPrometheusMetricsBuilder(b.registerer(), "localbus", "broker")
}

func (b *Bus) registerer() prometheus.Registerer {
	if b.metricsRegisterer != nil {
		return b.metricsRegisterer
	}
	return prometheus.DefaultRegisterer
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Dispatching message", loggingpkg.LogFields{
				"message_id": msg.UUID,
				"payload":    string(msg.Payload),
				"metadata":   msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "localbus.dispatch")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("messaging.message.id", msg.UUID),
			attribute.String("localbus.type_id", msg.Metadata.Get(metadatapkg.KeyTypeID)),
			attribute.String("localbus.origin", msg.Metadata.Get(metadatapkg.KeyOrigin)),
			attribute.Int("localbus.handle_count", metadatapkg.FromWatermill(msg.Metadata).HandleCount()),
		)

		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}
