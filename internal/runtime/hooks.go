package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/localbus/internal/runtime/metadata"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// TypeID is the message type being handled.
	TypeID string
	// MessageID is the envelope id.
	MessageID string
	// Origin is "live", "pending" or "errors".
	Origin string
	// Channel is the broker channel the bus listens on.
	Channel  string
	Metadata metadatapkg.Metadata
	Context  context.Context
	// StartedAt is when the invocation started.
	StartedAt time.Time
	// Duration is set in OnJobDone and OnJobError.
	Duration time.Duration
	// HandleCount is the number of earlier failed attempts.
	HandleCount int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives the handler error, or the recovered panic when the
	// recoverer sits inside the hooks middleware.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after those of h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around each handler invocation.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := metadatapkg.FromWatermill(msg.Metadata)
			jobCtx := JobContext{
				TypeID:      md[metadatapkg.KeyTypeID],
				MessageID:   msg.UUID,
				Origin:      md[metadatapkg.KeyOrigin],
				Channel:     md[metadatapkg.KeyChannel],
				Metadata:    md,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
				HandleCount: md.HandleCount(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}

			return msgs, err
		}
	}
}

// LoggingHooks returns hooks that log job lifecycle events.
func LoggingHooks(logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, err error, fields map[string]any)
}) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", map[string]any{
				"type_id":      ctx.TypeID,
				"message_id":   ctx.MessageID,
				"origin":       ctx.Origin,
				"handle_count": ctx.HandleCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", map[string]any{
				"type_id":     ctx.TypeID,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, map[string]any{
				"type_id":      ctx.TypeID,
				"message_id":   ctx.MessageID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"handle_count": ctx.HandleCount,
			})
		},
	}
}

// AlertingHooks returns hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
