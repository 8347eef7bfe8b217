package retry

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
	"github.com/drblury/fanout/transport"
)

func startRelay(t *testing.T, delay time.Duration) (*Relay, *gochannel.GoChannel, <-chan *message.Message, context.CancelFunc, <-chan error) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	topo := testTopology
	topo.RetryDelay = delay
	relay, err := NewRelay(pubSub, pubSub, topo, nil)
	require.NoError(t, err)

	exchange, err := pubSub.Subscribe(context.Background(), topo.Exchange)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	return relay, pubSub, exchange, cancel, done
}

func TestRelayReturnsMessageAfterDelay(t *testing.T) {
	_, pubSub, exchange, cancel, done := startRelay(t, 20*time.Millisecond)
	defer cancel()

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{}`))
	metadatapkg.SetRetryLeft(msg, 2)
	msg.Metadata.Set(metadatapkg.KeyReplyTo, testTopology.Inbox)
	sent := time.Now()
	require.NoError(t, pubSub.Publish(testTopology.RetryQueue, msg))

	select {
	case got := <-exchange:
		got.Ack()
		assert.Equal(t, msg.UUID, got.UUID)
		assert.Equal(t, "2", got.Metadata.Get(metadatapkg.KeyRetryLeft))
		assert.Equal(t, testTopology.Inbox, metadatapkg.ReplyTo(got))
		assert.GreaterOrEqual(t, time.Since(sent), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not returned to the exchange")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRelayFlushesPendingOnShutdown(t *testing.T) {
	relay, pubSub, exchange, cancel, done := startRelay(t, time.Hour)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{}`))
	require.NoError(t, pubSub.Publish(testTopology.RetryQueue, msg))
	require.Eventually(t, func() bool { return relay.Pending() == 1 }, time.Second, 5*time.Millisecond)

	received := make(chan *message.Message, 1)
	go func() {
		got := <-exchange
		got.Ack()
		received <- got
	}()

	cancel()
	require.NoError(t, <-done)

	select {
	case got := <-received:
		assert.Equal(t, msg.UUID, got.UUID)
	case <-time.After(2 * time.Second):
		t.Fatal("pending message was dropped on shutdown")
	}
	assert.Zero(t, relay.Pending())
}

func TestRelaySkipsRetriesOfOtherInboxes(t *testing.T) {
	relay, pubSub, exchange, cancel, done := startRelay(t, 10*time.Millisecond)
	defer cancel()

	foreign := message.NewMessage("foreign", []byte(`{}`))
	foreign.Metadata.Set(metadatapkg.KeyReplyTo, "events.shipping.main")
	own := message.NewMessage("own", []byte(`{}`))
	own.Metadata.Set(metadatapkg.KeyReplyTo, testTopology.Inbox)
	require.NoError(t, pubSub.Publish(testTopology.RetryQueue, foreign, own))

	select {
	case got := <-exchange:
		got.Ack()
		assert.Equal(t, "own", got.UUID)
	case <-time.After(2 * time.Second):
		t.Fatal("own retry was not returned")
	}
	select {
	case got := <-exchange:
		t.Fatalf("foreign retry %s was forwarded", got.UUID)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, relay.Pending())

	cancel()
	require.NoError(t, <-done)
}

func TestNewRelayValidates(t *testing.T) {
	_, err := NewRelay(nil, nil, testTopology, nil)
	require.Error(t, err)

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()
	_, err = NewRelay(pubSub, pubSub, transport.Topology{Exchange: "events"}, nil)
	require.Error(t, err)
}
