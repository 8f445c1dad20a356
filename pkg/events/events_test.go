package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(WithLogger(NewZerologAdapter(zerolog.Nop())))
	defer func() {
		_ = bus.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	bus.Publish(ctx, New(TypeSearchStarted, "c1", "capital of France"))
	bus.Publish(ctx, New(TypeCompletionStarted, "c1", ""))
	bus.Publish(ctx, New(TypeTurnAppended, "c1", "assistant"))

	var got []Type
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-ch:
			assert.Equal(t, "c1", e.ConversationID)
			got = append(got, e.Type)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []Type{TypeSearchStarted, TypeCompletionStarted, TypeTurnAppended}, got)
}

func TestBusWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	defer func() {
		_ = bus.Close()
	}()
	bus.Publish(context.Background(), New(TypeArchiveSaved, "c1", ""))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Publish(context.Background(), New(TypeSearchStarted, "c", ""))
	r.Publish(context.Background(), New(TypeSearchFinished, "c", ""))
	assert.Equal(t, []Type{TypeSearchStarted, TypeSearchFinished}, r.Types())
}

func TestBusSetsConversationMetadata(t *testing.T) {
	bus := NewBus()
	defer func() {
		_ = bus.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := bus.pubSub.Subscribe(ctx, Topic)
	require.NoError(t, err)

	go bus.Publish(ctx, New(TypeArchiveSaved, "conv-1", ""))

	select {
	case msg := <-messages:
		assert.Equal(t, "conv-1", msg.Metadata.Get(conversationIDMetadataKey))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}
