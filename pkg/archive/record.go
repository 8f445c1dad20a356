package archive

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

// naiveLayout is the timezone-less ISO 8601 form written by older archives.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is a save time that tolerates missing values and naive ISO 8601 strings.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "timestamp must be a string")
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.ParseInLocation(naiveLayout, s, time.Local)
	if err != nil {
		return errors.Errorf("invalid timestamp %q", s)
	}
	t.Time = parsed
	return nil
}

func (Timestamp) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		AnyOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "null"},
		},
	}
}

// Record is the on-disk form of an archived conversation.
type Record struct {
	ID              string                 `json:"id" jsonschema:"required,minLength=1"`
	Title           string                 `json:"title"`
	Messages        []conversation.Message `json:"messages" jsonschema:"required"`
	Timestamp       Timestamp              `json:"timestamp"`
	Model           string                 `json:"model"`
	DocumentContext string                 `json:"document_context"`
}

func NewRecord(c *conversation.Conversation) *Record {
	s := c.Snapshot()
	return &Record{
		ID:              s.ID,
		Title:           s.Title,
		Messages:        s.Turns,
		Timestamp:       Timestamp{s.LastSavedAt},
		Model:           s.Model,
		DocumentContext: s.Context,
	}
}

// Conversation restores the record. Records written without a model get fallbackModel.
func (r *Record) Conversation(fallbackModel string) (*conversation.Conversation, error) {
	model := r.Model
	if model == "" {
		model = fallbackModel
	}
	return conversation.Restore(conversation.Snapshot{
		ID:          r.ID,
		Title:       r.Title,
		Turns:       r.Messages,
		Model:       model,
		Context:     r.DocumentContext,
		LastSavedAt: r.Timestamp.Time,
	})
}

func (r *Record) Entry() Entry {
	return Entry{
		ID:      r.ID,
		Title:   r.Title,
		Model:   r.Model,
		SavedAt: r.Timestamp.Time,
		Turns:   len(r.Messages),
	}
}

// RecordSchema returns the JSON schema archived files are validated against.
func RecordSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
		Anonymous:                  true,
	}
	s := r.Reflect(&Record{})
	s.Version = "http://json-schema.org/draft-07/schema#"
	return s
}

// recordValidator checks raw archive bytes before they are decoded.
type recordValidator struct {
	schema *gojsonschema.Schema
}

func newRecordValidator() (*recordValidator, error) {
	b, err := json.Marshal(RecordSchema())
	if err != nil {
		return nil, errors.Wrap(err, "could not encode record schema")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, errors.Wrap(err, "could not compile record schema")
	}
	return &recordValidator{schema: schema}, nil
}

var ErrInvalidRecord = errors.New("invalid archive record")

func (v *recordValidator) decode(data []byte) (*Record, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRecord, err.Error())
	}
	if !result.Valid() {
		msg := ""
		for i, e := range result.Errors() {
			if i > 0 {
				msg += "; "
			}
			msg += e.String()
		}
		return nil, errors.Wrap(ErrInvalidRecord, msg)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(ErrInvalidRecord, err.Error())
	}
	return &r, nil
}
