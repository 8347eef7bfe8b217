package transport

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// InboxSubscriber adapts log and subject based brokers, which have no bound
// queues, to the fan-out protocol. Subscribing to the inbox reads both the
// exchange topic and the inbox topic, so raw events and messages addressed to
// the inbox directly (replays) arrive on one channel. Other topics pass
// through unchanged.
type InboxSubscriber struct {
	message.Subscriber
	Exchange string
	Inbox    string
}

func NewInboxSubscriber(sub message.Subscriber, topology Topology) *InboxSubscriber {
	return &InboxSubscriber{Subscriber: sub, Exchange: topology.Exchange, Inbox: topology.Inbox}
}

func (s *InboxSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if topic != s.Inbox || s.Exchange == "" {
		return s.Subscriber.Subscribe(ctx, topic)
	}

	exchange, err := s.Subscriber.Subscribe(ctx, s.Exchange)
	if err != nil {
		return nil, err
	}
	inbox, err := s.Subscriber.Subscribe(ctx, s.Inbox)
	if err != nil {
		return nil, err
	}
	return merge(ctx, exchange, inbox), nil
}

// merge forwards from every input until all of them are closed. Messages are
// forwarded as-is, so acks reach the originating subscription.
func merge(ctx context.Context, inputs ...<-chan *message.Message) <-chan *message.Message {
	out := make(chan *message.Message)
	var wg sync.WaitGroup
	for _, in := range inputs {
		wg.Add(1)
		go func(in <-chan *message.Message) {
			defer wg.Done()
			for msg := range in {
				select {
				case out <- msg:
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}(in)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
