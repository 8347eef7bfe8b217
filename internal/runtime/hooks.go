package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

// JobContext describes one message passing through the router.
type JobContext struct {
	// HandlerName is the fan-out handler the envelope is addressed to. It is
	// empty for raw events.
	HandlerName string
	// Kind is "event" or "envelope".
	Kind string
	// Topic is the queue the message was received from.
	Topic       string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// RetriesLeft is the retry_left header, or -1 when absent.
	RetriesLeft int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError sees the error before the retry coordinator handles it.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after the hooks from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
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

// JobHooksMiddleware creates a middleware that invokes the provided hooks.
// Register it through ServiceDependencies.Middlewares; it then runs inside
// the retry coordinator and observes raw handler failures.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(hooks), nil
		},
	}
}

func newJobContext(msg *message.Message) JobContext {
	retriesLeft := -1
	if n, ok := metadatapkg.RetryLeft(msg); ok {
		retriesLeft = n
	}
	return JobContext{
		HandlerName: msg.Metadata.Get(metadatapkg.KeyHandler),
		Kind:        msg.Metadata.Get(metadatapkg.KeyKind),
		Topic:       message.SubscribeTopicFromCtx(msg.Context()),
		MessageUUID: msg.UUID,
		Metadata:    msg.Metadata,
		Context:     msg.Context(),
		StartedAt:   time.Now(),
		RetriesLeft: retriesLeft,
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := newJobContext(msg)

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

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	logger = loggingpkg.OrDiscard(logger)
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"kind":         ctx.Kind,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"retries_left": ctx.RetriesLeft,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"kind":         ctx.Kind,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"kind":         ctx.Kind,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"retries_left": ctx.RetriesLeft,
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
