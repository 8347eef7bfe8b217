// Package envelope defines the event contract and the dispatch envelope that
// carries one event to one named handler, together with their wire codec.
package envelope

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	"github.com/drblury/fanout/internal/runtime/jsoncodec"
)

// Event is implemented by every domain event. EventType is the stable identity
// handlers are registered under, so it must not depend on field values.
type Event interface {
	EventType() string
}

// Factory returns a fresh, decodable instance of one event type.
type Factory func() Event

// Types maps event type names to factories so payloads can be decoded back
// into the Go type that produced them.
type Types struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultTypes is used by codecs built without an explicit table.
var DefaultTypes = NewTypes()

func NewTypes() *Types {
	return &Types{factories: make(map[string]Factory)}
}

// Register binds name to factory. Registering the same name twice replaces the
// factory, which lets tests swap implementations.
func (t *Types) Register(name string, factory Factory) error {
	if name == "" {
		return errspkg.ErrEventTypeRequired
	}
	if factory == nil {
		return fmt.Errorf("envelope: factory for %q is nil", name)
	}
	t.mu.Lock()
	t.factories[name] = factory
	t.mu.Unlock()
	return nil
}

// New instantiates the event registered under name.
func (t *Types) New(name string) (Event, error) {
	t.mu.RLock()
	factory, ok := t.factories[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownEventType, name)
	}
	return factory(), nil
}

// Decode instantiates name and unmarshals data into it.
func (t *Types) Decode(name string, data []byte) (Event, error) {
	ev, err := t.New(name)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 && string(data) != "null" {
		if err := jsoncodec.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("decode %q: %w", name, err)
		}
	}
	return ev, nil
}

func (t *Types) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.factories[name]
	return ok
}

// Names lists the registered event types in sorted order.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.factories))
	for name := range t.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterType registers T under its EventType. Either T or *T must implement
// Event; decoded values are always *T.
func RegisterType[T any](types *Types) (string, error) {
	if types == nil {
		types = DefaultTypes
	}
	name, err := TypeName[T]()
	if err != nil {
		return "", err
	}
	return name, types.Register(name, func() Event {
		return any(new(T)).(Event)
	})
}

// MustRegisterType is RegisterType for package initialisation.
func MustRegisterType[T any](types *Types) string {
	name, err := RegisterType[T](types)
	if err != nil {
		panic(err)
	}
	return name
}

// TypeName resolves the EventType of T from its zero value.
func TypeName[T any]() (string, error) {
	ev, ok := any(new(T)).(Event)
	if !ok {
		var zero T
		return "", fmt.Errorf("envelope: %v does not implement Event", reflect.TypeOf(zero))
	}
	name := ev.EventType()
	if name == "" {
		return "", errspkg.ErrEventTypeRequired
	}
	return name, nil
}
