package session

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/docassist/pkg/archive"
	"github.com/go-go-golems/docassist/pkg/conversation"
	"github.com/go-go-golems/docassist/pkg/engine"
	"github.com/go-go-golems/docassist/pkg/events"
	"github.com/go-go-golems/docassist/pkg/ingest"
	"github.com/go-go-golems/docassist/pkg/llm"
	"github.com/go-go-golems/docassist/pkg/settings"
)

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrArchiveDisabled = errors.New("no archive configured")
	ErrNoDocuments     = errors.New("no documents selected")
	ErrEmptyModel      = errors.New("model cannot be empty")
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a message for the user about the outcome of a command.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// ExportFile is a rendered conversation ready for download.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Outcome is the result of handling one command.
type Outcome struct {
	// State is a snapshot taken after the command ran.
	State   State
	Effects []engine.Effect
	Notices []Notice
	// Err is the typed failure of the command, if any. The state is then unchanged,
	// except for a submitted user turn that stays recorded.
	Err error

	Reply   *engine.Reply
	Archive *archive.Listing
	Export  *ExportFile
	Preview string
}

func (o *Outcome) notify(level Level, format string, args ...interface{}) {
	o.Notices = append(o.Notices, Notice{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (o *Outcome) fail(err error, message string) {
	o.Err = err
	o.Notices = append(o.Notices, Notice{Level: LevelError, Message: message})
}

// Handler owns the session state and applies commands to it one at a time.
type Handler struct {
	mu           sync.Mutex
	state        State
	engine       *engine.Engine
	ingester     *ingest.Ingester
	store        archive.Store
	publisher    events.Publisher
	models       []settings.ModelOption
	previewChars int
	now          func() time.Time
	newID        func() string
}

type Option func(*Handler)

func WithStore(s archive.Store) Option {
	return func(h *Handler) {
		h.store = s
	}
}

func WithModels(models []settings.ModelOption) Option {
	return func(h *Handler) {
		h.models = models
	}
}

func WithPreviewChars(n int) Option {
	return func(h *Handler) {
		h.previewChars = n
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(h *Handler) {
		if p != nil {
			h.publisher = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(h *Handler) {
		h.newID = newID
	}
}

func NewHandler(initial State, eng *engine.Engine, ingester *ingest.Ingester, options ...Option) *Handler {
	ret := &Handler{
		state:        initial,
		engine:       eng,
		ingester:     ingester,
		publisher:    events.NopPublisher{},
		previewChars: ingest.DefaultPreviewChars,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// State returns a snapshot of the current state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

func (h *Handler) Models() []settings.ModelOption {
	return h.models
}

// Handle applies cmd. User-facing failures are reported in Outcome.Err and Outcome.Notices;
// the returned error is reserved for commands the handler does not know.
func (h *Handler) Handle(ctx context.Context, cmd Command) (*Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	o := &Outcome{}
	log.Debug().Str("command", cmd.Name()).Str("conversation_id", h.state.Active.ID()).Msg("handling command")

	switch c := cmd.(type) {
	case Submit:
		h.submit(ctx, c, o)
	case ProcessDocuments:
		h.processDocuments(ctx, c, o)
	case ClearContext:
		h.state.Active.ClearContext()
		o.notify(LevelInfo, "Document context cleared")
	case Rename:
		h.rename(ctx, c, o)
	case SelectModel:
		h.selectModel(c, o)
	case SetWebSearch:
		h.state.WebSearch = c.Enabled
	case SetCredential:
		h.state.APIKey = strings.TrimSpace(c.APIKey)
	case LoadArchived:
		h.loadArchived(ctx, c, o)
	case NewChat:
		h.state = Reset(h.state, h.newID(), h.now())
		o.notify(LevelInfo, "Started %s", h.state.Active.Title())
	case ListArchive:
		h.listArchive(ctx, o)
	case Export:
		h.export(c, o)
	case PreviewContext:
		h.preview(o)
	default:
		return nil, errors.Wrapf(ErrUnknownCommand, "%T", cmd)
	}

	o.State = h.state.Clone()
	return o, nil
}

func (h *Handler) submit(ctx context.Context, c Submit, o *Outcome) {
	reply, err := h.engine.Send(ctx, h.state.Active, c.Text, engine.SendOptions{
		APIKey:    h.state.APIKey,
		WebSearch: h.state.WebSearch,
	})
	if reply != nil {
		o.Reply = reply
		o.Effects = append(o.Effects, reply.Effects...)
	}

	var upstream *llm.UpstreamError
	switch {
	case err == nil:
		if reply.SaveErr != nil {
			o.notify(LevelWarning, "The answer could not be archived: %v", reply.SaveErr)
		}
	case errors.Is(err, engine.ErrEmptyInput):
		// nothing to do
	case errors.Is(err, engine.ErrMissingCredential):
		o.fail(err, "Please enter your OpenRouter API key first")
	case errors.As(err, &upstream):
		o.fail(err, fmt.Sprintf("Error: API returned status code %d: %s", upstream.StatusCode, upstream.Message))
	case errors.Is(err, llm.ErrEmptyCompletion):
		o.fail(err, "Error: No response generated")
	default:
		o.fail(err, fmt.Sprintf("Error: %v", err))
	}
}

func (h *Handler) processDocuments(ctx context.Context, c ProcessDocuments, o *Outcome) {
	if len(c.Files) == 0 {
		o.fail(ErrNoDocuments, "Please select at least one document")
		return
	}

	batch := h.ingester.IngestBatch(ctx, c.Files)
	for _, f := range batch.Files {
		o.Effects = append(o.Effects, engine.Effect{Kind: engine.EffectIngest, Detail: f.Name, Failed: !f.Result.Ok()})
	}
	for _, failure := range batch.Failures() {
		o.notify(LevelError, "%s", failure.Error())
	}

	if !batch.HasContext() {
		o.notify(LevelWarning, "No text could be extracted, the previous document context is kept")
		if len(batch.Failures()) > 0 {
			o.Err = batch.Failures()[0]
		}
		return
	}

	h.state.Active.SetContext(batch.Context)
	h.publisher.Publish(ctx, events.New(events.TypeDocumentsIngested, h.state.Active.ID(),
		fmt.Sprintf("%d of %d", batch.Succeeded(), len(batch.Files))))
	o.notify(LevelInfo, "Processed %d of %d document(s)", batch.Succeeded(), len(batch.Files))
}

func (h *Handler) rename(ctx context.Context, c Rename, o *Outcome) {
	if err := h.state.Active.SetTitle(c.Title); err != nil {
		o.fail(err, "Title cannot be empty")
		return
	}
	if !h.state.Active.Saved() {
		return
	}
	err := h.engine.Save(ctx, h.state.Active)
	o.Effects = append(o.Effects, engine.Effect{Kind: engine.EffectArchiveWrite, Detail: h.state.Active.ID(), Failed: err != nil})
	if err != nil {
		o.notify(LevelWarning, "The new title could not be archived: %v", err)
	}
}

// resolveModel maps a catalog label to its id; unknown values are taken as ids.
func (h *Handler) resolveModel(model string) string {
	for _, m := range h.models {
		if m.Label == model || m.ID == model {
			return m.ID
		}
	}
	return model
}

func (h *Handler) selectModel(c SelectModel, o *Outcome) {
	model := strings.TrimSpace(c.Model)
	if model == "" {
		o.fail(ErrEmptyModel, "Model cannot be empty")
		return
	}
	id := h.resolveModel(model)
	h.state.Model = id
	h.state.Active.SetModel(id)
}

func (h *Handler) loadArchived(ctx context.Context, c LoadArchived, o *Outcome) {
	if h.store == nil {
		o.fail(ErrArchiveDisabled, "Archiving is disabled")
		return
	}
	loaded, err := h.store.Load(ctx, c.ID)
	o.Effects = append(o.Effects, engine.Effect{Kind: engine.EffectArchiveRead, Detail: c.ID, Failed: err != nil})
	if err != nil {
		o.fail(err, fmt.Sprintf("Could not load chat %s: %v", c.ID, err))
		return
	}
	h.state.Active = loaded
	h.state.Model = loaded.Model()
	o.notify(LevelInfo, "Loaded %s", loaded.Title())
}

func (h *Handler) listArchive(ctx context.Context, o *Outcome) {
	if h.store == nil {
		o.fail(ErrArchiveDisabled, "Archiving is disabled")
		return
	}
	listing, err := h.store.List(ctx)
	o.Effects = append(o.Effects, engine.Effect{Kind: engine.EffectArchiveRead, Failed: err != nil})
	if err != nil {
		o.fail(err, fmt.Sprintf("Could not list archived chats: %v", err))
		return
	}
	for _, p := range listing.Problems {
		o.notify(LevelWarning, "Skipped unreadable archive entry %s", p.String())
	}
	o.Archive = listing
}

func (h *Handler) export(c Export, o *Outcome) {
	var buf bytes.Buffer
	conv := h.state.Active

	switch c.Format {
	case ExportMarkdown:
		if err := conv.RenderMarkdown(&buf); err != nil {
			o.fail(err, fmt.Sprintf("Could not export chat: %v", err))
			return
		}
		o.Export = &ExportFile{Filename: conv.MarkdownFilename(), ContentType: "text/markdown", Data: buf.Bytes()}
	case ExportJSON, "":
		if err := conv.ExportJSON(&buf); err != nil {
			o.fail(err, fmt.Sprintf("Could not export chat: %v", err))
			return
		}
		o.Export = &ExportFile{Filename: conv.ExportFilename(), ContentType: "application/json", Data: buf.Bytes()}
	default:
		o.fail(errors.Errorf("unknown export format %q", c.Format), fmt.Sprintf("Unknown export format %s", c.Format))
	}
}

func (h *Handler) preview(o *Outcome) {
	if !h.state.Active.HasContext() {
		o.notify(LevelInfo, "No document context loaded")
		return
	}
	o.Preview = ingest.Preview(h.state.Active.Context(), h.previewChars)
}

// Conversation returns a copy of the active conversation.
func (h *Handler) Conversation() *conversation.Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Active.Clone()
}
