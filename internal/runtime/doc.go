/*
Package runtime wires the fan-out event system on top of Watermill.

# Architecture Overview

Domain events are published to an exchange that copies them into the inbox of
every service instance. The inbox consumer fans each event out to one envelope
per matching registered handler and sends the envelopes to the instance's
worker queue. The worker consumer executes the named handler. Failures are
redelivered through a delayed retry queue until the handler's retry budget is
spent, after which the message is held in the error queue for replay.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - the transport (publisher, subscriber, optional provisioner and queue reader)
  - the Watermill router with one consumer handler for the inbox and one for the worker queue
  - the dispatcher, retry coordinator, replayer and maintenance scheduler
  - the publication journal and the lock used by the scheduler
  - HTTP servers for metrics and the WebUI

## Handler Registration (registration.go)

Service.Handle registers a callback by event type; Subscribe does the same for a
typed function and registers the event type with the codec.

## Middleware (middleware.go)

  - CorrelationID: ensures message traceability
  - LogMessages: debug logging of payloads
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus router metrics
  - Retry: hands failures to the retry coordinator
  - Recoverer: panic recovery

## Stats & Monitoring (models.go, webui.go)

Per router handler latency, error categories, backlog hints and per callback
counts, exposed with the registry contents on /api/handlers.

# Sub-packages

  - condition/: handler predicates, including Lua expressions
  - config/: Service configuration, defaults, validation and loading
  - dispatch/: fan-out and envelope execution
  - envelope/: events, envelopes and their wire codec
  - errors/: sentinel errors and error types
  - handlers/: typed callbacks and the per-delivery context
  - journal/: publication journal (memory and Postgres)
  - lock/: lock providers for scheduled jobs (memory and Redis)
  - registry/: handler registry
  - replay/: error queue replay
  - retry/: retry coordinator and the delay relay
  - scheduler/: cron driven journal maintenance
  - transport/: transport factory over the transport packages

# Usage Example

	cfg := config.WithDefaults()
	cfg.AppName = "billing"

	svc := runtime.NewService(&cfg, logger, ctx, runtime.ServiceDependencies{})

	runtime.Subscribe(svc, "charge-card", func(ctx context.Context, ev OrderPlaced) error {
		return charge(ctx, ev)
	}, runtime.WithRetries(3), runtime.WithExpression("event.amount > 100"))

	svc.Start(ctx)
*/
package runtime
