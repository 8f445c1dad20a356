package session

import (
	"time"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

// State is everything a front-end needs to render the chat.
type State struct {
	Active    *conversation.Conversation
	APIKey    string
	WebSearch bool
	// Model is used for new conversations.
	Model string
}

func NewState(model string, apiKey string, webSearch bool) State {
	return State{
		Active:    conversation.New(model),
		APIKey:    apiKey,
		WebSearch: webSearch,
		Model:     model,
	}
}

// Reset starts a new conversation with the given id, keeping credential, model and search toggle.
func Reset(s State, id string, now time.Time) State {
	return State{
		Active:    conversation.New(s.Model, conversation.WithID(id), conversation.WithCreatedAt(now)),
		APIKey:    s.APIKey,
		WebSearch: s.WebSearch,
		Model:     s.Model,
	}
}

// Clone returns a copy that shares nothing mutable with s.
func (s State) Clone() State {
	ret := s
	if s.Active != nil {
		ret.Active = s.Active.Clone()
	}
	return ret
}

func (s State) HasCredential() bool {
	return s.APIKey != ""
}
