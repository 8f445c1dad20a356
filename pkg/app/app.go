// Package app builds the object graph shared by the command line and the HTTP front-ends.
package app

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/docassist/pkg/archive"
	"github.com/go-go-golems/docassist/pkg/engine"
	"github.com/go-go-golems/docassist/pkg/events"
	"github.com/go-go-golems/docassist/pkg/ingest"
	"github.com/go-go-golems/docassist/pkg/llm"
	"github.com/go-go-golems/docassist/pkg/search"
	"github.com/go-go-golems/docassist/pkg/session"
	"github.com/go-go-golems/docassist/pkg/settings"
	"github.com/go-go-golems/docassist/pkg/tokens"
)

type App struct {
	Settings *settings.Settings
	Store    archive.Store
	Bus      *events.Bus
	Ingester *ingest.Ingester
	Search   *search.Helper
	Engine   *engine.Engine
	Handler  *session.Handler
}

type Option func(*options)

type options struct {
	completer llm.Completer
	provider  search.Provider
}

// WithCompleter replaces the remote completion client.
func WithCompleter(c llm.Completer) Option {
	return func(o *options) {
		o.completer = c
	}
}

// WithSearchProvider replaces the configured search provider.
func WithSearchProvider(p search.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// NewStore opens the archive backend selected in s.
func NewStore(s *settings.Settings) (archive.Store, error) {
	switch s.Archive.Backend {
	case "sqlite":
		return archive.NewSQLiteStore(s.Archive.SQLitePath, archive.WithSQLiteDefaultModel(s.Chat.Model))
	case "files", "":
		return archive.NewFileStore(s.Archive.Dir, archive.WithDefaultModel(s.Chat.Model))
	default:
		return nil, errors.Errorf("unknown archive backend %q", s.Archive.Backend)
	}
}

// NewSearchProvider returns the web search provider selected in s.
func NewSearchProvider(s *settings.Settings) (search.Provider, error) {
	switch s.Search.Provider {
	case "kagi":
		k, err := search.NewKagi(s.Search.KagiToken, search.WithKagiURL(s.Search.BaseURL))
		if err != nil {
			return nil, err
		}
		return k, nil
	case "duckduckgo", "":
		return search.NewDuckDuckGo(search.WithDuckDuckGoURL(s.Search.BaseURL)), nil
	default:
		return nil, errors.Errorf("unknown search provider %q", s.Search.Provider)
	}
}

func NewCompleter(s *settings.Settings) llm.Completer {
	return llm.NewClient(
		llm.WithBaseURL(s.API.BaseURL),
		llm.WithAttribution(s.API.Referer, s.API.Title),
		llm.WithTimeout(s.Client.Timeout()),
	)
}

// New wires every component from s. The caller owns the returned App and must Close it.
func New(s *settings.Settings, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if err := ingest.ConfigureLicense(s.Ingest.UnidocLicenseKey); err != nil {
		return nil, err
	}

	if o.completer == nil {
		o.completer = NewCompleter(s)
	}
	if o.provider == nil {
		p, err := NewSearchProvider(s)
		if err != nil {
			return nil, err
		}
		o.provider = p
	}

	store, err := NewStore(s)
	if err != nil {
		return nil, err
	}

	assembler, err := engine.NewAssembler(s.Chat.Preamble,
		engine.WithContextCap(s.Chat.ContextCapChars),
		engine.WithTruncationMarker(s.Chat.TruncationMarker),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := events.NewBus(events.WithLogger(events.NewZerologAdapter(log.Logger)))
	helper := search.NewHelper(o.provider,
		search.WithTriggers(s.Chat.SearchTriggers...),
		search.WithMaxRelated(s.Search.MaxRelated),
	)
	ingester := ingest.NewIngester(ingest.WithTempDir(s.Ingest.TempDir))

	eng := engine.New(assembler, o.completer,
		engine.WithSearch(helper),
		engine.WithStore(store),
		engine.WithPublisher(bus),
		engine.WithTokenCounter(tokens.NewCounter()),
	)

	handler := session.NewHandler(
		session.NewState(s.Chat.Model, s.API.Key, s.Chat.WebSearch),
		eng,
		ingester,
		session.WithStore(store),
		session.WithPublisher(bus),
		session.WithModels(s.Chat.Models),
		session.WithPreviewChars(s.Ingest.PreviewChars),
	)

	log.Debug().
		Str("model", s.Chat.Model).
		Str("archive", s.Archive.Backend).
		Str("search", o.provider.Name()).
		Msg("application initialized")

	return &App{
		Settings: s,
		Store:    store,
		Bus:      bus,
		Ingester: ingester,
		Search:   helper,
		Engine:   eng,
		Handler:  handler,
	}, nil
}

func (a *App) Close() error {
	busErr := a.Bus.Close()
	if err := a.Store.Close(); err != nil {
		return err
	}
	return busErr
}
