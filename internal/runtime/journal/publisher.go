package journal

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	idspkg "github.com/drblury/fanout/internal/runtime/ids"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

// Publisher records every envelope published to one of its topics in the
// journal before handing it to the wrapped publisher, and marks it completed
// once the broker has accepted it. Entries whose hand-off failed stay
// incomplete for the resubmit job. Other topics pass through untouched.
type Publisher struct {
	next    message.Publisher
	journal Journal
	topics  map[string]struct{}
	logger  loggingpkg.ServiceLogger
	now     func() time.Time
}

// NewPublisher wraps next. With no topics every publish is journaled.
func NewPublisher(next message.Publisher, j Journal, logger loggingpkg.ServiceLogger, topics ...string) (*Publisher, error) {
	if next == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if j == nil {
		return nil, errspkg.ErrJournalRequired
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return &Publisher{next: next, journal: j, topics: set, logger: loggingpkg.OrDiscard(logger), now: time.Now}, nil
}

func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	if !p.journaled(topic) {
		return p.next.Publish(topic, msgs...)
	}
	var journaled []*message.Message
	for _, msg := range msgs {
		if msg.Metadata.Get(metadatapkg.KeyKind) != metadatapkg.KindEnvelope {
			continue
		}
		id := msg.Metadata.Get(metadatapkg.KeyPublicationID)
		if id == "" {
			id = idspkg.CreateULID()
			msg.Metadata.Set(metadatapkg.KeyPublicationID, id)
		}
		pub := Publication{
			ID:          id,
			EventType:   msg.Metadata.Get(metadatapkg.KeyEventType),
			HandlerName: msg.Metadata.Get(metadatapkg.KeyHandler),
			Topic:       topic,
			Payload:     append([]byte(nil), msg.Payload...),
			Metadata:    metadatapkg.FromWatermill(msg.Metadata),
			PublishedAt: p.now(),
		}
		if err := p.journal.Create(msg.Context(), pub); err != nil {
			return err
		}
		journaled = append(journaled, msg)
	}
	if err := p.next.Publish(topic, msgs...); err != nil {
		return err
	}
	p.complete(journaled)
	return nil
}

func (p *Publisher) complete(msgs []*message.Message) {
	at := p.now()
	for _, msg := range msgs {
		id := msg.Metadata.Get(metadatapkg.KeyPublicationID)
		if err := p.journal.MarkCompleted(msg.Context(), id, at); err != nil {
			// Left incomplete, so the resubmit job hands it over again.
			p.logger.Error("Failed to mark publication completed", err, loggingpkg.LogFields{
				"publication_id": id,
				"message_uuid":   msg.UUID,
			})
		}
	}
}

func (p *Publisher) Close() error { return p.next.Close() }

func (p *Publisher) journaled(topic string) bool {
	if len(p.topics) == 0 {
		return true
	}
	_, ok := p.topics[topic]
	return ok
}

// RepublishTo returns a Resubmitter that publishes journaled envelopes to pub
// under a fresh message id, keeping the publication id of the original entry.
func RepublishTo(pub message.Publisher) Resubmitter {
	return ResubmitFunc(func(ctx context.Context, p Publication) error {
		msg := message.NewMessage(idspkg.CreateULID(), append([]byte(nil), p.Payload...))
		msg.Metadata = metadatapkg.ToWatermill(p.Metadata.Without(metadatapkg.KeyRetryLeft, metadatapkg.KeyReplyTo, metadatapkg.KeyAttempts))
		msg.Metadata.Set(metadatapkg.KeyPublicationID, p.ID)
		msg.SetContext(ctx)
		return pub.Publish(p.Topic, msg)
	})
}
