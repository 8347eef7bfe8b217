// Package handlers adapts typed Go functions into registry callbacks and
// carries per-delivery information to them through the context.
package handlers

import (
	"context"
	"fmt"

	"github.com/drblury/fanout/internal/runtime/envelope"
	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	"github.com/drblury/fanout/internal/runtime/registry"
)

// TypedHandler handles one concrete event type.
type TypedHandler[T any] func(ctx context.Context, event T) error

// Typed converts fn into a registry callback and resolves the event type it
// listens to. The callback accepts events decoded as *T as well as values of T.
func Typed[T any](fn TypedHandler[T]) (string, registry.Callback, error) {
	if fn == nil {
		return "", nil, errspkg.ErrHandlerRequired
	}
	eventType, err := envelope.TypeName[T]()
	if err != nil {
		return "", nil, err
	}

	callback := func(ctx context.Context, event envelope.Event) error {
		switch typed := any(event).(type) {
		case T:
			return fn(ctx, typed)
		case *T:
			if typed == nil {
				return fmt.Errorf("%w: nil %s", errspkg.ErrEventRequired, eventType)
			}
			return fn(ctx, *typed)
		default:
			return &errspkg.PoisonMessageError{
				Reason: fmt.Sprintf("handler for %s received %T", eventType, event),
			}
		}
	}
	return eventType, callback, nil
}
