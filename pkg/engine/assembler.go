package engine

import (
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/go-go-golems/glazed/pkg/helpers/templating"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

const (
	DefaultContextCapChars  = 75000
	DefaultTruncationMarker = " [Document truncated due to length...]"
	ContextIntro            = "\n\nBelow is relevant information from the user's documents that may help answering their query:"
)

// Assembler builds the ordered message list sent to the model:
// the system prompt with the document context, an optional search block, then the turns.
type Assembler struct {
	preamble *template.Template
	capChars int
	marker   string
	now      func() time.Time
}

type AssemblerOption func(*Assembler)

// WithContextCap sets the maximum number of document context characters sent.
func WithContextCap(capChars int) AssemblerOption {
	return func(a *Assembler) {
		if capChars > 0 {
			a.capChars = capChars
		}
	}
}

// WithTruncationMarker replaces the text appended to a capped context. An empty marker is ignored.
func WithTruncationMarker(marker string) AssemblerOption {
	return func(a *Assembler) {
		if marker != "" {
			a.marker = marker
		}
	}
}

func WithAssemblerClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) {
		a.now = now
	}
}

// NewAssembler parses the preamble as a template. It can refer to {{.Model}} and {{.Date}}.
func NewAssembler(preamble string, options ...AssemblerOption) (*Assembler, error) {
	tmpl, err := templating.CreateTemplate("preamble").Parse(preamble)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse preamble template")
	}
	ret := &Assembler{
		preamble: tmpl,
		capChars: DefaultContextCapChars,
		marker:   DefaultTruncationMarker,
		now:      time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

// TruncateContext cuts s to capChars characters (runes) and appends marker when it was longer.
func TruncateContext(s string, capChars int, marker string) (string, bool) {
	if utf8.RuneCountInString(s) <= capChars {
		return s, false
	}
	return string([]rune(s)[:capChars]) + marker, true
}

// SystemPrompt renders the first system message for a model and document context.
func (a *Assembler) SystemPrompt(model string, documentContext string) (string, error) {
	var sb strings.Builder
	err := a.preamble.Execute(&sb, struct {
		Model string
		Date  string
	}{
		Model: model,
		Date:  a.now().Format("2006-01-02"),
	})
	if err != nil {
		return "", errors.Wrap(err, "could not render preamble")
	}

	if documentContext != "" {
		text, truncated := TruncateContext(documentContext, a.capChars, a.marker)
		if truncated {
			log.Debug().
				Int("context_chars", utf8.RuneCountInString(documentContext)).
				Int("cap", a.capChars).
				Msg("document context truncated")
		}
		sb.WriteString(ContextIntro)
		sb.WriteString("\n\n")
		sb.WriteString(text)
	}

	return sb.String(), nil
}

// Assemble returns the request messages for c. searchBlock is added as a second
// system message when non-empty.
func (a *Assembler) Assemble(c *conversation.Conversation, searchBlock string) ([]conversation.Message, error) {
	system, err := a.SystemPrompt(c.Model(), c.Context())
	if err != nil {
		return nil, err
	}

	turns := c.Turns()
	ret := make([]conversation.Message, 0, len(turns)+2)
	ret = append(ret, conversation.NewMessage(conversation.RoleSystem, system))
	if searchBlock != "" {
		ret = append(ret, conversation.NewMessage(conversation.RoleSystem, searchBlock))
	}
	for _, t := range turns {
		if !t.Role.IsTurnRole() {
			continue
		}
		ret = append(ret, t)
	}
	return ret, nil
}
