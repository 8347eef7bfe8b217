package condition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/drblury/fanout/internal/runtime/envelope"
	"github.com/drblury/fanout/internal/runtime/jsoncodec"
)

// ErrNotBoolean is returned when an expression yields anything but a boolean.
var ErrNotBoolean = errors.New("condition: expression did not evaluate to a boolean")

// LuaEvaluator evaluates expressions as Lua. The expression sees two globals:
// `event`, the JSON form of the event as nested tables, and `envelope`, a table
// with handlerName, retriesLeft and eventType. States are pooled and never
// shared between concurrent evaluations.
type LuaEvaluator struct {
	pool sync.Pool
}

func NewLuaEvaluator() *LuaEvaluator {
	e := &LuaEvaluator{}
	e.pool.New = func() any {
		state := lua.NewState()
		lua.OpenLibraries(state)
		return state
	}
	return e
}

var (
	defaultOnce      sync.Once
	defaultEvaluator *LuaEvaluator
)

// Default returns the process-wide Lua evaluator.
func Default() *LuaEvaluator {
	defaultOnce.Do(func() { defaultEvaluator = NewLuaEvaluator() })
	return defaultEvaluator
}

func chunk(expression string) string {
	return "return (" + expression + ")"
}

// Compile reports syntax errors without running the expression.
func (e *LuaEvaluator) Compile(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return errors.New("condition: expression is empty")
	}
	state := e.pool.Get().(*lua.State)
	defer e.release(state)
	if err := lua.LoadString(state, chunk(expression)); err != nil {
		return fmt.Errorf("condition: compile %q: %w", expression, err)
	}
	return nil
}

// Evaluate implements Evaluator.
func (e *LuaEvaluator) Evaluate(ctx context.Context, expression string, event envelope.Event, env envelope.Envelope) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	generic, err := jsoncodec.ToGeneric(event)
	if err != nil {
		return false, fmt.Errorf("condition: convert event: %w", err)
	}

	state := e.pool.Get().(*lua.State)
	defer e.release(state)

	pushValue(state, generic)
	state.SetGlobal("event")
	pushEnvelope(state, env)
	state.SetGlobal("envelope")

	if err := lua.LoadString(state, chunk(expression)); err != nil {
		return false, fmt.Errorf("condition: compile %q: %w", expression, err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return false, fmt.Errorf("condition: evaluate %q: %w", expression, err)
	}
	if state.TypeOf(-1) != lua.TypeBoolean {
		return false, fmt.Errorf("%w: %q yielded %s", ErrNotBoolean, expression, lua.TypeNameOf(state, -1))
	}
	return state.ToBoolean(-1), nil
}

func (e *LuaEvaluator) release(state *lua.State) {
	state.SetTop(0)
	state.PushNil()
	state.SetGlobal("event")
	state.PushNil()
	state.SetGlobal("envelope")
	e.pool.Put(state)
}

func pushEnvelope(state *lua.State, env envelope.Envelope) {
	state.NewTable()
	state.PushString(env.HandlerName)
	state.SetField(-2, "handlerName")
	state.PushString(env.EventType())
	state.SetField(-2, "eventType")
	if env.RetriesLeft != nil {
		state.PushInteger(*env.RetriesLeft)
	} else {
		state.PushNil()
	}
	state.SetField(-2, "retriesLeft")
}

func pushValue(state *lua.State, v any) {
	switch val := v.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(val)
	case string:
		state.PushString(val)
	case float64:
		state.PushNumber(val)
	case int:
		state.PushInteger(val)
	case []any:
		state.CreateTable(len(val), 0)
		for i, item := range val {
			pushValue(state, item)
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		state.CreateTable(0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pushValue(state, val[k])
			state.SetField(-2, k)
		}
	default:
		state.PushString(fmt.Sprint(val))
	}
}
