// Package registry maps event types to the ordered handlers registered for
// them and keeps a registry-wide name index for envelope resolution.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/drblury/fanout/internal/runtime/condition"
	"github.com/drblury/fanout/internal/runtime/envelope"
	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
)

// Callback is the handler body invoked for one envelope.
type Callback func(ctx context.Context, event envelope.Event) error

// Descriptor describes one registered handler. The registry stores copies, so a
// descriptor is immutable once registered.
type Descriptor struct {
	Name        string
	EventType   string
	RetryBudget int
	Condition   condition.Condition
	Callback    Callback
}

// Lookup is the read side the dispatcher depends on.
type Lookup interface {
	HandlersFor(eventType string) []Descriptor
	ByName(name string) (Descriptor, bool)
}

// Registry is safe for concurrent use. Handlers keep registration order per
// event type and names are unique across all event types.
type Registry struct {
	mu     sync.RWMutex
	byType map[string][]Descriptor
	byName map[string]Descriptor
	logger loggingpkg.ServiceLogger
}

// New returns an empty registry. A nil logger discards output.
func New(logger loggingpkg.ServiceLogger) *Registry {
	return &Registry{
		byType: make(map[string][]Descriptor),
		byName: make(map[string]Descriptor),
		logger: loggingpkg.OrDiscard(logger),
	}
}

// Register stores d under name and eventType, which override the fields of d.
// It fails without changing the registry when the name is taken anywhere.
func (r *Registry) Register(name, eventType string, d Descriptor) (string, error) {
	d.Name = name
	d.EventType = eventType
	if err := validate(d); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		r.logger.Debug("Handler name already registered", loggingpkg.LogFields{
			"handler":             name,
			"event_type":          eventType,
			"existing_event_type": existing.EventType,
		})
		return "", errspkg.DuplicateHandlerName(name)
	}

	handlers := r.byType[eventType]
	next := make([]Descriptor, len(handlers), len(handlers)+1)
	copy(next, handlers)
	r.byType[eventType] = append(next, d)
	r.byName[name] = d

	r.logger.Debug("Handler registered", loggingpkg.LogFields{
		"handler":      name,
		"event_type":   eventType,
		"retry_budget": d.RetryBudget,
		"condition":    condition.Describe(d.Condition),
	})
	return name, nil
}

// RegisterAnonymous registers callback under a generated UUID name.
func (r *Registry) RegisterAnonymous(eventType string, callback Callback, retryBudget int, cond condition.Condition) (string, error) {
	return r.Register(uuid.NewString(), eventType, Descriptor{
		RetryBudget: retryBudget,
		Condition:   cond,
		Callback:    callback,
	})
}

func validate(d Descriptor) error {
	switch {
	case d.Name == "":
		return errspkg.ErrHandlerNameRequired
	case d.EventType == "":
		return errspkg.ErrEventTypeRequired
	case d.Callback == nil:
		return errspkg.ErrHandlerRequired
	case d.RetryBudget < 0:
		return fmt.Errorf("%w: handler %q has budget %d", errspkg.ErrNegativeRetryBudget, d.Name, d.RetryBudget)
	}
	if v, ok := d.Condition.(condition.Validator); ok {
		if err := v.Validate(); err != nil {
			return &errspkg.ConditionEvaluationError{Handler: d.Name, Expression: condition.Describe(d.Condition), Err: err}
		}
	}
	return nil
}

// Unregister removes the (eventType, name) pair. An absent pair is logged and
// otherwise ignored.
func (r *Registry) Unregister(eventType, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byName[name]
	if !ok || existing.EventType != eventType {
		r.logger.Debug("No handler to unregister", loggingpkg.LogFields{
			"handler":    name,
			"event_type": eventType,
		})
		return
	}

	handlers := r.byType[eventType]
	next := make([]Descriptor, 0, len(handlers))
	for _, d := range handlers {
		if d.Name != name {
			next = append(next, d)
		}
	}
	if len(next) == 0 {
		delete(r.byType, eventType)
	} else {
		r.byType[eventType] = next
	}
	delete(r.byName, name)

	r.logger.Debug("Handler unregistered", loggingpkg.LogFields{
		"handler":    name,
		"event_type": eventType,
	})
}

// HandlersFor returns a copy of the handlers of eventType in registration order.
func (r *Registry) HandlersFor(eventType string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := r.byType[eventType]
	out := make([]Descriptor, len(handlers))
	copy(out, handlers)
	return out
}

// ByName finds a handler by name across all event types.
func (r *Registry) ByName(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Resolve is ByName reporting a miss as ErrNoHandlerFound.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	if d, ok := r.ByName(name); ok {
		return d, nil
	}
	return Descriptor{}, errspkg.NoHandlerFound(name)
}

// Clear removes every handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType = make(map[string][]Descriptor)
	r.byName = make(map[string]Descriptor)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// EventTypes lists event types with at least one handler, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// LogContents writes one debug line per event type and one per handler.
func (r *Registry) LogContents(logger loggingpkg.ServiceLogger) {
	logger = loggingpkg.OrDiscard(logger)
	for _, eventType := range r.EventTypes() {
		handlers := r.HandlersFor(eventType)
		logger.Debug("Event type registered", loggingpkg.LogFields{
			"event_type": eventType,
			"handlers":   len(handlers),
		})
		for _, d := range handlers {
			logger.Debug("Event handler registered", loggingpkg.LogFields{
				"event_type":   eventType,
				"handler":      d.Name,
				"retry_budget": d.RetryBudget,
				"condition":    condition.Describe(d.Condition),
			})
		}
	}
}
