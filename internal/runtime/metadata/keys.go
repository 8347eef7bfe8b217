package metadata

// Header keys used by the fan-out protocol. They travel as Watermill metadata and
// map onto broker headers.
const (
	// KeyRetryLeft carries the remaining retry budget across redeliveries. It
	// overrides the envelope body when present.
	KeyRetryLeft = "retry_left"

	// KeyReplyTo carries the inbox identity of the consumer that first failed the
	// envelope. The consumption guard and the replayer both read it.
	KeyReplyTo = "reply_to"

	// KeyKind tells the inbox consumer whether the payload is a raw event or an
	// envelope.
	KeyKind = "fanout_kind"

	KeyEventType     = "fanout_event_type"
	KeyHandler       = "fanout_handler"
	KeyError         = "fanout_error"
	KeyFailedAt      = "fanout_failed_at"
	KeyOriginalTopic = "fanout_original_topic"
	KeyPublicationID = "fanout_publication_id"
	// KeyAttempts counts how many times the retry queue has seen the envelope.
	KeyAttempts = "fanout_attempts"

	KeyCorrelationID = "correlation_id"
)

// Values accepted under KeyKind.
const (
	KindEvent    = "event"
	KindEnvelope = "envelope"
)
