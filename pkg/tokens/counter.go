package tokens

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

// per-message framing overhead of the chat format, see the OpenAI cookbook
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

// Counter estimates token counts with the tiktoken codec matching a model.
// Models unknown to the tokenizer use cl100k_base.
type Counter struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
}

func NewCounter() *Counter {
	return &Counter{codecs: map[string]tokenizer.Codec{}}
}

// baseModel strips a router vendor prefix, "openai/gpt-4-turbo" becomes "gpt-4-turbo".
func baseModel(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

func (c *Counter) codecFor(model string) (tokenizer.Codec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if codec, ok := c.codecs[model]; ok {
		return codec, nil
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(baseModel(model)))
	if err != nil {
		log.Debug().Str("model", model).Msg("no tokenizer for model, using cl100k_base")
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, errors.Wrap(err, "could not load cl100k_base codec")
		}
	}
	c.codecs[model] = codec
	return codec, nil
}

func (c *Counter) Count(model string, text string) (int, error) {
	codec, err := c.codecFor(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "could not encode text")
	}
	return len(ids), nil
}

// CountMessages estimates the prompt size of an assembled request.
func (c *Counter) CountMessages(model string, messages []conversation.Message) (int, error) {
	total := tokensPerReply
	for _, m := range messages {
		n, err := c.Count(model, string(m.Role)+"\n"+m.Content)
		if err != nil {
			return 0, err
		}
		total += n + tokensPerMessage
	}
	return total, nil
}
