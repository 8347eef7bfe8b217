package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired      = sterrors.New("fanout: event service is required")
	ErrServiceDisabled      = sterrors.New("fanout: event service is disabled")
	ErrConfigRequired       = sterrors.New("fanout: configuration is required")
	ErrLoggerRequired       = sterrors.New("fanout: logger is required")
	ErrRegistryRequired     = sterrors.New("fanout: handler registry is required")
	ErrPublisherRequired    = sterrors.New("fanout: publisher is required")
	ErrTopicRequired        = sterrors.New("fanout: topic is required")
	ErrEventRequired        = sterrors.New("fanout: event is required")
	ErrEventTypeRequired    = sterrors.New("fanout: event type is required")
	ErrUnknownEventType     = sterrors.New("fanout: unknown event type")
	ErrHandlerRequired      = sterrors.New("fanout: handler function is required")
	ErrHandlerNameRequired  = sterrors.New("fanout: handler name is required")
	ErrNegativeRetryBudget  = sterrors.New("fanout: retry budget cannot be negative")
	ErrDuplicateHandlerName = sterrors.New("fanout: duplicate handler name")
	ErrNoHandlerFound       = sterrors.New("fanout: no handler found")
	ErrPoisonMessage        = sterrors.New("fanout: poison message")
	ErrQueueEmpty           = sterrors.New("fanout: queue is empty")
	ErrQueueReaderRequired  = sterrors.New("fanout: transport cannot read single messages from a queue")
	ErrJournalRequired      = sterrors.New("fanout: publication journal is required")
	ErrPublicationNotFound  = sterrors.New("fanout: publication not found")
	ErrLockProviderRequired = sterrors.New("fanout: lock provider is required")
	ErrEvaluatorRequired    = sterrors.New("fanout: condition evaluator is required")
)

// DuplicateHandlerName reports a registration under a name that is already taken.
func DuplicateHandlerName(name string) error {
	return fmt.Errorf("%w: handler with name %q already registered, register it under a different name", ErrDuplicateHandlerName, name)
}

// NoHandlerFound reports an envelope naming a handler that is not registered.
func NoHandlerFound(name string) error {
	return fmt.Errorf("%w for name %q", ErrNoHandlerFound, name)
}

// PoisonMessageError marks an inbound payload that is not a well-formed envelope.
// Such messages are dead-lettered without any retry.
type PoisonMessageError struct {
	Reason string
	Err    error
}

func (e *PoisonMessageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fanout: poison message: %s", e.Reason)
	}
	return fmt.Sprintf("fanout: poison message: %s: %v", e.Reason, e.Err)
}

func (e *PoisonMessageError) Unwrap() error { return e.Err }

func (e *PoisonMessageError) Is(target error) bool { return target == ErrPoisonMessage }

// HandlerExecutionError wraps a failure raised by a handler callback.
type HandlerExecutionError struct {
	Handler string
	Err     error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("fanout: handler %q failed: %v", e.Handler, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// ConditionEvaluationError wraps a predicate failure. It is never treated as a
// non-matching condition.
type ConditionEvaluationError struct {
	Handler    string
	Expression string
	Err        error
}

func (e *ConditionEvaluationError) Error() string {
	if e.Expression == "" {
		return fmt.Sprintf("fanout: condition of handler %q failed: %v", e.Handler, e.Err)
	}
	return fmt.Sprintf("fanout: condition %q of handler %q failed: %v", e.Expression, e.Handler, e.Err)
}

func (e *ConditionEvaluationError) Unwrap() error { return e.Err }

// ConfigValidationError wraps configuration problems found by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("fanout: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }
