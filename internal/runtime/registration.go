package runtime

import (
	"github.com/drblury/fanout/internal/runtime/condition"
	"github.com/drblury/fanout/internal/runtime/envelope"
	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	handlerpkg "github.com/drblury/fanout/internal/runtime/handlers"
	"github.com/drblury/fanout/internal/runtime/registry"
)

// HandlerOption customises a handler registration.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	retries   int
	condition condition.Condition
}

// WithRetries sets how many times a failing envelope is redelivered before it
// is dead-lettered. The default is zero.
func WithRetries(n int) HandlerOption {
	return func(o *handlerOptions) { o.retries = n }
}

// WithCondition only fans events out to the handler when cond matches.
func WithCondition(cond condition.Condition) HandlerOption {
	return func(o *handlerOptions) { o.condition = cond }
}

// WithExpression is WithCondition for a Lua expression such as
// `event.amount > 100`.
func WithExpression(source string) HandlerOption {
	return WithCondition(condition.Expr(source))
}

func collectOptions(opts []HandlerOption) handlerOptions {
	var o handlerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Handle registers callback for eventType under name. An empty name registers
// the handler under a generated UUID. The resolved name is returned.
func (s *Service) Handle(name, eventType string, callback registry.Callback, opts ...HandlerOption) (string, error) {
	if s == nil {
		return "", errspkg.ErrServiceRequired
	}
	o := collectOptions(opts)
	if name == "" {
		return s.registry.RegisterAnonymous(eventType, callback, o.retries, o.condition)
	}
	return s.registry.Register(name, eventType, registry.Descriptor{
		RetryBudget: o.retries,
		Condition:   o.condition,
		Callback:    callback,
	})
}

// Unregister removes the handler registered as name for eventType.
func (s *Service) Unregister(eventType, name string) {
	if s == nil {
		return
	}
	s.registry.Unregister(eventType, name)
}

// Subscribe registers a typed handler on svc. T (or *T) must implement
// envelope.Event; its type is added to the service codec so inbound payloads
// decode back into *T.
func Subscribe[T any](svc *Service, name string, fn handlerpkg.TypedHandler[T], opts ...HandlerOption) (string, error) {
	if svc == nil {
		return "", errspkg.ErrServiceRequired
	}
	eventType, callback, err := handlerpkg.Typed(fn)
	if err != nil {
		return "", err
	}
	if _, err := envelope.RegisterType[T](svc.codec.Types()); err != nil {
		return "", err
	}
	return svc.Handle(name, eventType, callback, opts...)
}
