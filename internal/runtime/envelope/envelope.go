package envelope

// Envelope carries one event to one named handler. RetriesLeft is nil until the
// consumer resolves the live retry budget of the handler.
type Envelope struct {
	Event       Event
	HandlerName string
	RetriesLeft *int
}

// New builds the envelope emitted at publish time, with no retries consumed.
func New(event Event, handlerName string) Envelope {
	zero := 0
	return Envelope{Event: event, HandlerName: handlerName, RetriesLeft: &zero}
}

// Retries returns RetriesLeft, or 0 when unset.
func (e Envelope) Retries() int {
	if e.RetriesLeft == nil {
		return 0
	}
	return *e.RetriesLeft
}

// WithRetries returns a copy of e carrying n remaining retries.
func (e Envelope) WithRetries(n int) Envelope {
	e.RetriesLeft = &n
	return e
}

// EventType returns the type of the carried event, or "" for an empty envelope.
func (e Envelope) EventType() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.EventType()
}
