package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// DefaultIdleTimeout is how long SubscriberReader waits for the next message
// before it reports the queue as empty.
const DefaultIdleTimeout = 2 * time.Second

// SubscriberReader turns a streaming subscriber into a QueueReader for brokers
// without a native single-message get. The queue is considered drained once no
// message arrives within IdleTimeout. Each popped message is acked.
type SubscriberReader struct {
	Subscriber  message.Subscriber
	IdleTimeout time.Duration

	mu      sync.Mutex
	streams map[string]<-chan *message.Message
}

// NewSubscriberReader wraps sub. A non-positive idle timeout selects DefaultIdleTimeout.
func NewSubscriberReader(sub message.Subscriber, idle time.Duration) *SubscriberReader {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &SubscriberReader{Subscriber: sub, IdleTimeout: idle, streams: map[string]<-chan *message.Message{}}
}

// Pop implements QueueReader. The underlying subscription stays open across
// calls and is torn down when the subscriber is closed.
func (r *SubscriberReader) Pop(ctx context.Context, queue string) (*message.Message, error) {
	stream, err := r.stream(queue)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.IdleTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-stream:
		if !ok {
			r.forget(queue)
			return nil, ErrQueueEmpty
		}
		out := msg.Copy()
		msg.Ack()
		return out, nil
	case <-timer.C:
		return nil, ErrQueueEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *SubscriberReader) stream(queue string) (<-chan *message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams == nil {
		r.streams = map[string]<-chan *message.Message{}
	}
	if s, ok := r.streams[queue]; ok {
		return s, nil
	}
	s, err := r.Subscriber.Subscribe(context.Background(), queue)
	if err != nil {
		return nil, err
	}
	r.streams[queue] = s
	return s, nil
}

func (r *SubscriberReader) forget(queue string) {
	r.mu.Lock()
	delete(r.streams, queue)
	r.mu.Unlock()
}
