package engine

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/docassist/pkg/archive"
	"github.com/go-go-golems/docassist/pkg/conversation"
	"github.com/go-go-golems/docassist/pkg/events"
	"github.com/go-go-golems/docassist/pkg/llm"
	"github.com/go-go-golems/docassist/pkg/search"
)

var (
	// ErrMissingCredential is returned before anything is recorded or sent.
	ErrMissingCredential = llm.ErrMissingCredential
	ErrEmptyInput        = errors.New("input is empty")
)

type EffectKind string

const (
	EffectIngest       EffectKind = "ingest"
	EffectSearch       EffectKind = "search"
	EffectCompletion   EffectKind = "completion"
	EffectArchiveWrite EffectKind = "archive-write"
	EffectArchiveRead  EffectKind = "archive-read"
)

// Effect records a side effect performed on behalf of the user.
type Effect struct {
	Kind   EffectKind `json:"kind"`
	Detail string     `json:"detail,omitempty"`
	Failed bool       `json:"failed,omitempty"`
}

// TokenCounter estimates the prompt size of an assembled request.
type TokenCounter interface {
	CountMessages(model string, messages []conversation.Message) (int, error)
}

// Engine runs one user turn: it records the input, gathers search results when asked to,
// assembles the request, calls the model and archives the conversation.
type Engine struct {
	assembler *Assembler
	completer llm.Completer
	search    *search.Helper
	store     archive.Store
	publisher events.Publisher
	counter   TokenCounter
}

type Option func(*Engine)

func WithSearch(h *search.Helper) Option {
	return func(e *Engine) {
		e.search = h
	}
}

// WithStore enables saving the conversation after every answered turn.
func WithStore(s archive.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithTokenCounter(c TokenCounter) Option {
	return func(e *Engine) {
		e.counter = c
	}
}

func New(assembler *Assembler, completer llm.Completer, options ...Option) *Engine {
	ret := &Engine{
		assembler: assembler,
		completer: completer,
		publisher: events.NopPublisher{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (e *Engine) Assembler() *Assembler {
	return e.assembler
}

type SendOptions struct {
	APIKey    string
	WebSearch bool
}

type Reply struct {
	Content string
	// Messages is the request that was sent to the model.
	Messages     []conversation.Message
	SearchUsed   bool
	SearchText   string
	PromptTokens int
	Effects      []Effect
	// SaveErr is set when the answer was recorded but could not be archived.
	SaveErr error
}

// Send processes one user input against c.
//
// A missing credential or blank input leaves c untouched. Once the input is recorded,
// an upstream failure keeps the user turn but adds no assistant turn; the returned
// Reply then still lists the effects performed.
func (e *Engine) Send(ctx context.Context, c *conversation.Conversation, input string, opts SendOptions) (*Reply, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingCredential
	}
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	if err := c.AppendTurn(conversation.RoleUser, input); err != nil {
		return nil, err
	}
	e.publisher.Publish(ctx, events.New(events.TypeTurnAppended, c.ID(), string(conversation.RoleUser)))

	reply := &Reply{}

	if opts.WebSearch && e.search != nil && e.search.Triggered(input) {
		e.publisher.Publish(ctx, events.New(events.TypeSearchStarted, c.ID(), input))
		outcome := e.search.Lookup(ctx, input)
		reply.SearchUsed = true
		reply.SearchText = outcome.Text
		effect := Effect{Kind: EffectSearch, Detail: input, Failed: !outcome.Ok()}
		reply.Effects = append(reply.Effects, effect)
		e.publisher.Publish(ctx, events.New(events.TypeSearchFinished, c.ID(), ""))
	}

	messages, err := e.assembler.Assemble(c, reply.SearchText)
	if err != nil {
		return reply, err
	}
	reply.Messages = messages

	if e.counter != nil {
		n, err := e.counter.CountMessages(c.Model(), messages)
		if err != nil {
			log.Debug().Err(err).Msg("could not estimate prompt tokens")
		} else {
			reply.PromptTokens = n
		}
	}

	log.Debug().
		Str("conversation_id", c.ID()).
		Str("model", c.Model()).
		Int("messages", len(messages)).
		Int("prompt_tokens", reply.PromptTokens).
		Bool("search", reply.SearchUsed).
		Msg("sending conversation")

	e.publisher.Publish(ctx, events.New(events.TypeCompletionStarted, c.ID(), c.Model()))
	completion, err := e.completer.Complete(ctx, llm.Request{
		APIKey:   opts.APIKey,
		Model:    c.Model(),
		Messages: messages,
	})
	if err != nil {
		reply.Effects = append(reply.Effects, Effect{Kind: EffectCompletion, Detail: c.Model(), Failed: true})
		e.publisher.Publish(ctx, events.New(events.TypeCompletionFailed, c.ID(), err.Error()))
		log.Warn().Err(err).Str("conversation_id", c.ID()).Msg("completion failed")
		return reply, err
	}
	reply.Effects = append(reply.Effects, Effect{Kind: EffectCompletion, Detail: c.Model()})
	if completion.PromptTokens > 0 {
		reply.PromptTokens = completion.PromptTokens
	}

	reply.Content = completion.Content
	if err := c.AppendTurn(conversation.RoleAssistant, completion.Content); err != nil {
		return reply, err
	}
	e.publisher.Publish(ctx, events.New(events.TypeTurnAppended, c.ID(), string(conversation.RoleAssistant)))

	if e.store != nil {
		reply.SaveErr = e.Save(ctx, c)
		reply.Effects = append(reply.Effects, Effect{Kind: EffectArchiveWrite, Detail: c.ID(), Failed: reply.SaveErr != nil})
	}

	return reply, nil
}

// Save archives c when a store is configured.
func (e *Engine) Save(ctx context.Context, c *conversation.Conversation) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Save(ctx, c); err != nil {
		log.Warn().Err(err).Str("conversation_id", c.ID()).Msg("could not archive conversation")
		return errors.Wrap(err, "could not archive conversation")
	}
	e.publisher.Publish(ctx, events.New(events.TypeArchiveSaved, c.ID(), ""))
	return nil
}
