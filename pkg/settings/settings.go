package settings

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	AppName   = "docassist"
	EnvPrefix = "DOCASSIST"

	DefaultPreamble = "You are a helpful document assistant. You can analyze documents, " +
		"answer questions, and help with creative writing tasks."
	DefaultTruncationMarker = " [Document truncated due to length...]"
	DefaultContextCapChars  = 75000
	DefaultModel            = "openai/gpt-4o"
)

type APISettings struct {
	Key     string `mapstructure:"key" yaml:"key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Referer string `mapstructure:"referer" yaml:"referer"`
	Title   string `mapstructure:"title" yaml:"title"`
}

type ClientSettings struct {
	// TimeoutSeconds bounds each completion request, 0 means no timeout.
	TimeoutSeconds int `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

func (c ClientSettings) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ModelOption is an entry of the model picker.
type ModelOption struct {
	Label string `mapstructure:"label" yaml:"label" json:"label" validate:"required"`
	ID    string `mapstructure:"id" yaml:"id" json:"id" validate:"required"`
}

type ChatSettings struct {
	Model            string        `mapstructure:"model" yaml:"model" validate:"required"`
	Models           []ModelOption `mapstructure:"models" yaml:"models" validate:"required,min=1,dive"`
	Preamble         string        `mapstructure:"preamble" yaml:"preamble" validate:"required"`
	ContextCapChars  int           `mapstructure:"context_cap_chars" yaml:"context_cap_chars" validate:"gt=0"`
	TruncationMarker string        `mapstructure:"truncation_marker" yaml:"truncation_marker" validate:"required"`
	WebSearch        bool          `mapstructure:"web_search" yaml:"web_search"`
	SearchTriggers   []string      `mapstructure:"search_triggers" yaml:"search_triggers" validate:"dive,required"`
}

type SearchSettings struct {
	Provider   string `mapstructure:"provider" yaml:"provider" validate:"oneof=duckduckgo kagi"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	KagiToken  string `mapstructure:"kagi_token" yaml:"kagi_token" validate:"required_if=Provider kagi"`
	MaxRelated int    `mapstructure:"max_related" yaml:"max_related" validate:"gt=0"`
}

type ArchiveSettings struct {
	Backend    string `mapstructure:"backend" yaml:"backend" validate:"oneof=files sqlite"`
	Dir        string `mapstructure:"dir" yaml:"dir" validate:"required_if=Backend files"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
}

type IngestSettings struct {
	TempDir          string `mapstructure:"temp_dir" yaml:"temp_dir"`
	UnidocLicenseKey string `mapstructure:"unidoc_license_key" yaml:"unidoc_license_key"`
	PreviewChars     int    `mapstructure:"preview_chars" yaml:"preview_chars" validate:"gt=0"`
}

type ServerSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required"`
}

type Settings struct {
	API     APISettings     `mapstructure:"api" yaml:"api"`
	Client  ClientSettings  `mapstructure:"client" yaml:"client"`
	Chat    ChatSettings    `mapstructure:"chat" yaml:"chat"`
	Search  SearchSettings  `mapstructure:"search" yaml:"search"`
	Archive ArchiveSettings `mapstructure:"archive" yaml:"archive"`
	Ingest  IngestSettings  `mapstructure:"ingest" yaml:"ingest"`
	Server  ServerSettings  `mapstructure:"server" yaml:"server"`
}

func DefaultSearchTriggers() []string {
	return []string{"search", "find", "look up", "google", "information about"}
}

func DefaultModels() []ModelOption {
	return []ModelOption{
		{Label: "OpenAI GPT-4o", ID: "openai/gpt-4o"},
		{Label: "GPT-4 Turbo", ID: "openai/gpt-4-turbo"},
	}
}

// DefaultConfigDir is ~/.docassist, falling back to the working directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, "."+AppName)
}

func NewSettings() *Settings {
	configDir := DefaultConfigDir()
	return &Settings{
		API: APISettings{
			BaseURL: "https://openrouter.ai/api/v1",
			Referer: "https://github.com/go-go-golems/docassist",
			Title:   "Document Assistant",
		},
		Chat: ChatSettings{
			Model:            DefaultModel,
			Models:           DefaultModels(),
			Preamble:         DefaultPreamble,
			ContextCapChars:  DefaultContextCapChars,
			TruncationMarker: DefaultTruncationMarker,
			WebSearch:        true,
			SearchTriggers:   DefaultSearchTriggers(),
		},
		Search: SearchSettings{
			Provider:   "duckduckgo",
			MaxRelated: 5,
		},
		Archive: ArchiveSettings{
			Backend:    "files",
			Dir:        filepath.Join(configDir, "archive"),
			SQLitePath: filepath.Join(configDir, "archive.db"),
		},
		Ingest: IngestSettings{
			PreviewChars: 1000,
		},
		Server: ServerSettings{
			Addr: ":8080",
		},
	}
}

// SetDefaults registers every key with its default so that environment variables
// and Unmarshal pick them up.
func SetDefaults(v *viper.Viper) {
	d := NewSettings()
	v.SetDefault("api.key", d.API.Key)
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.referer", d.API.Referer)
	v.SetDefault("api.title", d.API.Title)
	v.SetDefault("client.timeout", d.Client.TimeoutSeconds)
	v.SetDefault("chat.model", d.Chat.Model)
	v.SetDefault("chat.models", d.Chat.Models)
	v.SetDefault("chat.preamble", d.Chat.Preamble)
	v.SetDefault("chat.context_cap_chars", d.Chat.ContextCapChars)
	v.SetDefault("chat.truncation_marker", d.Chat.TruncationMarker)
	v.SetDefault("chat.web_search", d.Chat.WebSearch)
	v.SetDefault("chat.search_triggers", d.Chat.SearchTriggers)
	v.SetDefault("search.provider", d.Search.Provider)
	v.SetDefault("search.base_url", d.Search.BaseURL)
	v.SetDefault("search.kagi_token", d.Search.KagiToken)
	v.SetDefault("search.max_related", d.Search.MaxRelated)
	v.SetDefault("archive.backend", d.Archive.Backend)
	v.SetDefault("archive.dir", d.Archive.Dir)
	v.SetDefault("archive.sqlite_path", d.Archive.SQLitePath)
	v.SetDefault("ingest.temp_dir", d.Ingest.TempDir)
	v.SetDefault("ingest.unidoc_license_key", d.Ingest.UnidocLicenseKey)
	v.SetDefault("ingest.preview_chars", d.Ingest.PreviewChars)
	v.SetDefault("server.addr", d.Server.Addr)
}

// ConfigureEnv maps DOCASSIST_CHAT_MODEL style variables onto chat.model style keys.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode configuration")
	}
	s.Archive.Dir = expandHome(s.Archive.Dir)
	s.Archive.SQLitePath = expandHome(s.Archive.SQLitePath)
	s.Ingest.TempDir = expandHome(s.Ingest.TempDir)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// Redacted returns a copy safe to print, with credentials masked.
func (s *Settings) Redacted() *Settings {
	ret := s.Clone()
	ret.API.Key = mask(ret.API.Key)
	ret.Search.KagiToken = mask(ret.Search.KagiToken)
	ret.Ingest.UnidocLicenseKey = mask(ret.Ingest.UnidocLicenseKey)
	return ret
}

// ModelLabel returns the picker label of a model id, or the id itself.
func (s *Settings) ModelLabel(id string) string {
	for _, m := range s.Chat.Models {
		if m.ID == id {
			return m.Label
		}
	}
	return id
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
