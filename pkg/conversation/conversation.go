package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

const DefaultTitleLayout = "2006-01-02 15:04"

var (
	ErrInvalidRole  = errors.New("only user and assistant turns can be stored")
	ErrEmptyTitle   = errors.New("title cannot be empty")
	ErrMissingID    = errors.New("conversation id is required")
	ErrMissingModel = errors.New("conversation model is required")
)

// Conversation is the unit of chat state: an identity, a list of turns that only ever grows,
// the model the turns are sent to and the document context attached to it.
type Conversation struct {
	id          string
	title       string
	turns       []Message
	model       string
	context     string
	lastSavedAt time.Time
}

type Option func(*Conversation)

func WithID(id string) Option {
	return func(c *Conversation) {
		c.id = id
	}
}

func WithTitle(title string) Option {
	return func(c *Conversation) {
		c.title = title
	}
}

// WithCreatedAt sets the creation time used for the default title.
func WithCreatedAt(t time.Time) Option {
	return func(c *Conversation) {
		c.title = DefaultTitle(t)
	}
}

func WithContext(context string) Option {
	return func(c *Conversation) {
		c.context = context
	}
}

func DefaultTitle(t time.Time) string {
	return "New Chat " + t.Format(DefaultTitleLayout)
}

// New creates an empty conversation with a fresh id and a default title.
func New(model string, options ...Option) *Conversation {
	ret := &Conversation{
		id:    uuid.NewString(),
		title: DefaultTitle(time.Now()),
		turns: []Message{},
		model: model,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Snapshot holds every persisted field of a conversation.
type Snapshot struct {
	ID          string
	Title       string
	Turns       []Message
	Model       string
	Context     string
	LastSavedAt time.Time
}

// Restore rebuilds a conversation from persisted state.
func Restore(s Snapshot) (*Conversation, error) {
	if s.ID == "" {
		return nil, ErrMissingID
	}
	if s.Model == "" {
		return nil, ErrMissingModel
	}
	turns := make([]Message, 0, len(s.Turns))
	for i, t := range s.Turns {
		if !t.Role.IsTurnRole() {
			return nil, errors.Wrapf(ErrInvalidRole, "turn %d has role %q", i, t.Role)
		}
		turns = append(turns, t)
	}
	return &Conversation{
		id:          s.ID,
		title:       s.Title,
		turns:       turns,
		model:       s.Model,
		context:     s.Context,
		lastSavedAt: s.LastSavedAt,
	}, nil
}

func (c *Conversation) Snapshot() Snapshot {
	return Snapshot{
		ID:          c.id,
		Title:       c.title,
		Turns:       c.Turns(),
		Model:       c.model,
		Context:     c.context,
		LastSavedAt: c.lastSavedAt,
	}
}

func (c *Conversation) ID() string             { return c.id }
func (c *Conversation) Title() string          { return c.title }
func (c *Conversation) Model() string          { return c.model }
func (c *Conversation) Context() string        { return c.context }
func (c *Conversation) LastSavedAt() time.Time { return c.lastSavedAt }
func (c *Conversation) Len() int               { return len(c.turns) }

// Turns returns a copy of the stored turns in order.
func (c *Conversation) Turns() []Message {
	ret := make([]Message, len(c.turns))
	copy(ret, c.turns)
	return ret
}

func (c *Conversation) LastTurn() (Message, bool) {
	if len(c.turns) == 0 {
		return Message{}, false
	}
	return c.turns[len(c.turns)-1], true
}

func (c *Conversation) AppendTurn(role Role, content string) error {
	if !role.IsTurnRole() {
		return errors.Wrapf(ErrInvalidRole, "got %q", role)
	}
	c.turns = append(c.turns, NewMessage(role, content))
	return nil
}

func (c *Conversation) SetTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	c.title = title
	return nil
}

func (c *Conversation) SetModel(model string) {
	c.model = model
}

// SetContext replaces the attached document context.
func (c *Conversation) SetContext(context string) {
	c.context = context
}

func (c *Conversation) ClearContext() {
	c.context = ""
}

func (c *Conversation) HasContext() bool {
	return c.context != ""
}

func (c *Conversation) MarkSaved(t time.Time) {
	c.lastSavedAt = t
}

func (c *Conversation) Saved() bool {
	return !c.lastSavedAt.IsZero()
}

func (c *Conversation) Clone() *Conversation {
	return clone.Clone(c).(*Conversation)
}
