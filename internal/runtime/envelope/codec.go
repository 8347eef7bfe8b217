package envelope

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	idspkg "github.com/drblury/fanout/internal/runtime/ids"
	"github.com/drblury/fanout/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

type wireEvent struct {
	Type string               `json:"type"`
	Data jsoncodec.RawMessage `json:"data"`
}

type wireEnvelope struct {
	Event       wireEvent `json:"event"`
	HandlerName string    `json:"handlerName"`
	RetriesLeft *int      `json:"retriesLeft"`
}

// Codec converts events and envelopes to and from their JSON wire form and
// Watermill messages.
type Codec struct {
	types *Types
}

// NewCodec returns a codec decoding through types, or DefaultTypes when nil.
func NewCodec(types *Types) *Codec {
	if types == nil {
		types = DefaultTypes
	}
	return &Codec{types: types}
}

func (c *Codec) Types() *Types { return c.types }

func (c *Codec) encodeEvent(ev Event) (wireEvent, error) {
	if ev == nil {
		return wireEvent{}, errspkg.ErrEventRequired
	}
	name := ev.EventType()
	if name == "" {
		return wireEvent{}, errspkg.ErrEventTypeRequired
	}
	data, err := jsoncodec.Marshal(ev)
	if err != nil {
		return wireEvent{}, fmt.Errorf("encode %q: %w", name, err)
	}
	return wireEvent{Type: name, Data: data}, nil
}

// EncodeEvent renders {"type":...,"data":{...}}.
func (c *Codec) EncodeEvent(ev Event) ([]byte, error) {
	w, err := c.encodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(w)
}

// DecodeEvent parses a raw event. Malformed documents and unknown types are
// reported as poison.
func (c *Codec) DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return nil, &errspkg.PoisonMessageError{Reason: "decode event", Err: err}
	}
	return c.decodeWireEvent(w)
}

func (c *Codec) decodeWireEvent(w wireEvent) (Event, error) {
	if w.Type == "" {
		return nil, &errspkg.PoisonMessageError{Reason: "event type missing"}
	}
	ev, err := c.types.Decode(w.Type, w.Data)
	if err != nil {
		return nil, &errspkg.PoisonMessageError{Reason: "decode event", Err: err}
	}
	return ev, nil
}

// EncodeEnvelope renders the envelope wire shape.
func (c *Codec) EncodeEnvelope(env Envelope) ([]byte, error) {
	ev, err := c.encodeEvent(env.Event)
	if err != nil {
		return nil, err
	}
	if env.HandlerName == "" {
		return nil, errspkg.ErrHandlerNameRequired
	}
	return jsoncodec.Marshal(wireEnvelope{Event: ev, HandlerName: env.HandlerName, RetriesLeft: env.RetriesLeft})
}

// DecodeEnvelope parses an envelope. Anything that is not a well-formed
// envelope is reported as poison.
func (c *Codec) DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return Envelope{}, &errspkg.PoisonMessageError{Reason: "decode envelope", Err: err}
	}
	if w.HandlerName == "" {
		return Envelope{}, &errspkg.PoisonMessageError{Reason: "envelope handler name missing"}
	}
	ev, err := c.decodeWireEvent(w.Event)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: ev, HandlerName: w.HandlerName, RetriesLeft: w.RetriesLeft}, nil
}

// EventMessage wraps ev in a Watermill message tagged as a raw event.
func (c *Codec) EventMessage(ev Event) (*message.Message, error) {
	payload, err := c.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(metadatapkg.KeyKind, metadatapkg.KindEvent)
	msg.Metadata.Set(metadatapkg.KeyEventType, ev.EventType())
	return msg, nil
}

// EnvelopeMessage wraps env in a Watermill message tagged as an envelope.
func (c *Codec) EnvelopeMessage(env Envelope) (*message.Message, error) {
	payload, err := c.EncodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(metadatapkg.KeyKind, metadatapkg.KindEnvelope)
	msg.Metadata.Set(metadatapkg.KeyEventType, env.EventType())
	msg.Metadata.Set(metadatapkg.KeyHandler, env.HandlerName)
	return msg, nil
}
