// Package replay drains the error queue back to the inboxes that failed the
// messages. Replay is an operator action; nothing triggers it automatically.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
	"github.com/drblury/fanout/transport"
)

// Metrics is notified once per replayed message.
type Metrics interface {
	RecordMessageReplayed(topic string)
	SetCurrentCount(topic string, count uint64)
}

type Config struct {
	Reader    transport.QueueReader
	Publisher message.Publisher
	// ErrorQueue is drained.
	ErrorQueue string
	Metrics    Metrics
	Logger     loggingpkg.ServiceLogger
}

type Replayer struct {
	reader     transport.QueueReader
	publisher  message.Publisher
	errorQueue string
	metrics    Metrics
	logger     loggingpkg.ServiceLogger
}

func New(cfg Config) (*Replayer, error) {
	switch {
	case cfg.Reader == nil:
		return nil, errspkg.ErrQueueReaderRequired
	case cfg.Publisher == nil:
		return nil, errspkg.ErrPublisherRequired
	case cfg.ErrorQueue == "":
		return nil, errspkg.ErrTopicRequired
	}
	return &Replayer{
		reader:     cfg.Reader,
		publisher:  cfg.Publisher,
		errorQueue: cfg.ErrorQueue,
		metrics:    cfg.Metrics,
		logger:     loggingpkg.OrDiscard(cfg.Logger),
	}, nil
}

// ReprocessAllFailed pops every message off the error queue and republishes it
// to its reply_to destination, returning how many were replayed. The retry
// header is dropped so the envelope starts again from the live budget of its
// handler. A message that cannot be republished is put back on the error
// queue and the drain stops with the publish error.
//
// Messages without reply_to have no inbox to go back to and stay on the error
// queue. A message seen twice in one drain failed again after being replayed;
// it is left for the next drain, which ends this one.
func (r *Replayer) ReprocessAllFailed(ctx context.Context) (int, error) {
	replayed := 0
	seen := map[string]struct{}{}
	var held []*message.Message

	for {
		if err := ctx.Err(); err != nil {
			return replayed, errors.Join(err, r.restore(held))
		}

		msg, err := r.reader.Pop(ctx, r.errorQueue)
		if errors.Is(err, errspkg.ErrQueueEmpty) {
			break
		}
		if err != nil {
			return replayed, errors.Join(fmt.Errorf("read %s: %w", r.errorQueue, err), r.restore(held))
		}

		if _, again := seen[msg.UUID]; again {
			held = append(held, msg)
			break
		}
		seen[msg.UUID] = struct{}{}

		if metadatapkg.ReplyTo(msg) == "" {
			r.logger.Info("Keeping message without reply_to on the error queue", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"error":        msg.Metadata.Get(metadatapkg.KeyError),
			})
			held = append(held, msg)
			continue
		}

		if err := r.replay(msg); err != nil {
			return replayed, errors.Join(err, r.restore(held))
		}
		replayed++
	}

	if err := r.restore(held); err != nil {
		return replayed, err
	}
	if r.metrics != nil {
		r.metrics.SetCurrentCount(r.errorQueue, uint64(len(held)))
	}
	r.logger.Info("Error queue drained", loggingpkg.LogFields{
		"topic":    r.errorQueue,
		"replayed": replayed,
		"kept":     len(held),
	})
	return replayed, nil
}

// restore puts held messages back on the error queue unchanged.
func (r *Replayer) restore(held []*message.Message) error {
	if len(held) == 0 {
		return nil
	}
	if err := r.publisher.Publish(r.errorQueue, held...); err != nil {
		return fmt.Errorf("restore %d messages to %s: %w", len(held), r.errorQueue, err)
	}
	return nil
}

func (r *Replayer) replay(msg *message.Message) error {
	destination := metadatapkg.ReplyTo(msg)

	out := msg.Copy()
	delete(out.Metadata, metadatapkg.KeyRetryLeft)
	delete(out.Metadata, metadatapkg.KeyAttempts)

	if err := r.publisher.Publish(destination, out); err != nil {
		if restoreErr := r.publisher.Publish(r.errorQueue, msg); restoreErr != nil {
			r.logger.Error("Failed to restore message to error queue", restoreErr, loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"topic":        r.errorQueue,
			})
		}
		return fmt.Errorf("replay %s to %s: %w", msg.UUID, destination, err)
	}

	r.logger.Debug("Message replayed", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"destination":  destination,
		"handler":      msg.Metadata.Get(metadatapkg.KeyHandler),
	})
	if r.metrics != nil {
		r.metrics.RecordMessageReplayed(r.errorQueue)
	}
	return nil
}
