// Package fanout is an event fan-out layer on top of Watermill. Services publish
// domain events to a shared exchange; every service instance receives a copy in
// its own inbox and turns it into one envelope per matching registered handler.
// Envelopes travel through the instance's worker queue, so each handler runs,
// fails and retries independently of its siblings.
//
// A minimal setup fills Config (or loads it with LoadConfig), creates a Service,
// registers handlers with Subscribe and calls Start:
//
//	cfg := fanout.WithDefaults()
//	cfg.AppName = "billing"
//	svc := fanout.NewService(&cfg, logger, ctx, fanout.ServiceDependencies{})
//	fanout.Subscribe(svc, "charge-card", chargeCard, fanout.WithRetries(3))
//	go svc.Start(ctx)
//	svc.Publish(ctx, OrderPlaced{ID: "o-1"})
//
// # Retries and the error queue
//
// A failed envelope is copied to the retry queue with its remaining budget in
// the retry_left header and its origin inbox in reply_to. After RetryDelay it
// is delivered back to that inbox only. Once the budget is spent the envelope is
// held in the error queue; Service.ReprocessAllFailed drains it back to the
// original inboxes with a fresh budget.
//
// # Conditions
//
// WithCondition gates a handler on a Go predicate and WithExpression on a Lua
// expression evaluated against the event, such as `event.amount > 100`.
//
// # Transports
//
// The transport is picked by Config.PubSubSystem:
//   - channel: in-memory Go channels for tests and single-process setups
//   - kafka: topics with consumer groups
//   - rabbitmq: a fanout exchange with durable queues
//   - aws: an SNS topic fanning out to SQS queues
//   - nats: core NATS subjects
//   - nats-jetstream: NATS JetStream streams with delayed naks
//
// Transports without native delayed delivery get a retry relay that holds
// messages in process for RetryDelay.
//
// # Publication journal and maintenance
//
// Envelopes are recorded in a publication journal (in memory, or PostgreSQL
// when PostgresURL is set) and marked complete once the broker accepts them.
// Cron driven jobs clear old completed publications and resubmit stale
// incomplete ones, guarded by a lock that is Redis backed when RedisURL is set.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, message
// logging, OpenTelemetry tracing, Prometheus metrics, the retry coordinator and
// panic recovery. Custom middleware, such as JobHooksMiddleware, can be added
// via ServiceDependencies.Middlewares.
package fanout
