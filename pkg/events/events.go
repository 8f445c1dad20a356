package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	TypeDocumentsIngested Type = "documents.ingested"
	TypeSearchStarted     Type = "search.started"
	TypeSearchFinished    Type = "search.finished"
	TypeCompletionStarted Type = "completion.started"
	TypeCompletionFailed  Type = "completion.failed"
	TypeTurnAppended      Type = "turn.appended"
	TypeArchiveSaved      Type = "archive.saved"
)

// Event is a progress notification about the active conversation.
type Event struct {
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Message        string    `json:"message,omitempty"`
	Time           time.Time `json:"time"`
}

func New(t Type, conversationID string, msg string) Event {
	return Event{Type: t, ConversationID: conversationID, Message: msg, Time: time.Now()}
}

// Publisher receives progress events. Publishing never fails the operation that emits it.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

const (
	Topic = "docassist.progress"

	conversationIDMetadataKey = "conversation_id"
)

// Bus is an in-process publisher backed by a watermill go channel.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

type BusOption func(*Bus)

func WithLogger(logger watermill.LoggerAdapter) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

func NewBus(options ...BusOption) *Bus {
	ret := &Bus{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}
	ret.pubSub = gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	return ret
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("could not encode event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(conversationIDMetadataKey, e.ConversationID)
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(Topic, msg); err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("could not publish event")
	}
}

// Subscribe returns a channel of events that is closed when ctx is done or the bus closes.
// Events are dropped rather than blocking publishers when the reader falls behind.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "could not subscribe to progress events")
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		for msg := range messages {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode event")
				msg.Ack()
				continue
			}
			select {
			case out <- e:
			default:
				log.Debug().Str("type", string(e.Type)).Msg("dropping progress event, subscriber is behind")
			}
			msg.Ack()
		}
	}()

	return out, nil
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}

var _ Publisher = (*Bus)(nil)

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]Event, len(r.events))
	copy(ret, r.events)
	return ret
}

func (r *Recorder) Types() []Type {
	var ret []Type
	for _, e := range r.Events() {
		ret = append(ret, e.Type)
	}
	return ret
}
