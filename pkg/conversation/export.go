package conversation

import (
	"encoding/json"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
)

// ExportJSON writes the turns as an indented JSON array of {role, content} objects.
func (c *Conversation) ExportJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	turns := c.Turns()
	if err := encoder.Encode(turns); err != nil {
		return errors.Wrap(err, "could not encode conversation")
	}
	return nil
}

// ExportFilename is the default file name for ExportJSON, derived from the id prefix.
func (c *Conversation) ExportFilename() string {
	prefix := c.id
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "chat_" + prefix + ".json"
}

const transcriptTemplate = `# {{ .Title }}

- **Conversation:** {{ .ID }}
- **Model:** {{ .Model }}
{{- if not .SavedAt.IsZero }}
- **Saved:** {{ .SavedAt | date "2006-01-02 15:04:05" }}
{{- end }}
{{- if .Context }}
- **Document context:** {{ .Context | len }} characters
{{- end }}
{{ range $idx, $turn := .Turns }}
## {{ add $idx 1 }}. {{ $turn.Role | toString | title }}

{{ $turn.Content | trim }}
{{ end }}`

var transcript = template.Must(template.New("transcript").Funcs(sprig.TxtFuncMap()).Parse(transcriptTemplate))

// RenderMarkdown writes a human readable transcript.
func (c *Conversation) RenderMarkdown(w io.Writer) error {
	data := struct {
		ID      string
		Title   string
		Model   string
		Context string
		SavedAt time.Time
		Turns   []Message
	}{
		ID:      c.id,
		Title:   c.title,
		Model:   c.model,
		Context: c.context,
		SavedAt: c.lastSavedAt,
		Turns:   c.Turns(),
	}
	if err := transcript.Execute(w, data); err != nil {
		return errors.Wrap(err, "could not render transcript")
	}
	return nil
}

// MarkdownFilename derives a file name from the title, e.g. "new-chat-2024-05-01-12-30.md".
func (c *Conversation) MarkdownFilename() string {
	name := strcase.ToKebab(strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return ' '
		}
		return r
	}, c.title))
	if name == "" {
		name = strings.TrimSuffix(c.ExportFilename(), ".json")
	}
	return name + ".md"
}
