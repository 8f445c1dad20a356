package session

import (
	"github.com/go-go-golems/docassist/pkg/ingest"
)

// Command is a user action. Every front-end goes through Handler.Handle.
type Command interface {
	Name() string
}

type Submit struct {
	Text string
}

type ProcessDocuments struct {
	Files []ingest.File
}

type ClearContext struct{}

type Rename struct {
	Title string
}

// SelectModel accepts a model id or a label from the configured catalog.
type SelectModel struct {
	Model string
}

type SetWebSearch struct {
	Enabled bool
}

type SetCredential struct {
	APIKey string
}

type LoadArchived struct {
	ID string
}

type NewChat struct{}

type ListArchive struct{}

type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportMarkdown ExportFormat = "markdown"
)

type Export struct {
	Format ExportFormat
}

type PreviewContext struct{}

func (Submit) Name() string           { return "submit" }
func (ProcessDocuments) Name() string { return "process-documents" }
func (ClearContext) Name() string     { return "clear-context" }
func (Rename) Name() string           { return "rename" }
func (SelectModel) Name() string      { return "select-model" }
func (SetWebSearch) Name() string     { return "set-web-search" }
func (SetCredential) Name() string    { return "set-credential" }
func (LoadArchived) Name() string     { return "load-archived" }
func (NewChat) Name() string          { return "new-chat" }
func (ListArchive) Name() string      { return "list-archive" }
func (Export) Name() string           { return "export" }
func (PreviewContext) Name() string   { return "preview-context" }
