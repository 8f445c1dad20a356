package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/docassist/pkg/helpers"
)

const DefaultPreviewChars = 1000

// File is one uploaded document.
type File struct {
	Name string
	Data []byte
}

// Ingester turns uploaded files into plain text, dispatching on the file extension.
type Ingester struct {
	parsers map[string]Parser
	tempDir string
}

type Option func(*Ingester)

// WithTempDir sets the directory for the transient copies handed to parsers.
// An empty dir means the OS default.
func WithTempDir(dir string) Option {
	return func(i *Ingester) {
		i.tempDir = dir
	}
}

// WithParsers registers additional parsers, replacing existing ones for the same extensions.
func WithParsers(parsers ...Parser) Option {
	return func(i *Ingester) {
		for _, p := range parsers {
			i.register(p)
		}
	}
}

func NewIngester(options ...Option) *Ingester {
	ret := &Ingester{
		parsers: map[string]Parser{},
	}
	for _, p := range DefaultParsers() {
		ret.register(p)
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (i *Ingester) register(p Parser) {
	for _, ext := range p.Extensions() {
		i.parsers[strings.ToLower(ext)] = p
	}
}

// SupportedExtensions returns the sorted list of accepted extensions.
func (i *Ingester) SupportedExtensions() []string {
	ret := make([]string, 0, len(i.parsers))
	for ext := range i.parsers {
		ret = append(ret, ext)
	}
	sort.Strings(ret)
	return ret
}

// Extract returns the text of a single file. The bytes are spooled to a temporary file
// that is removed before Extract returns, whatever the outcome.
func (i *Ingester) Extract(name string, data []byte) helpers.Result[string] {
	ext := strings.ToLower(filepath.Ext(name))
	parser, ok := i.parsers[ext]
	if !ok {
		return helpers.NewErrorResult[string](&Error{
			File:   name,
			Reason: ReasonUnsupportedFormat,
			Err:    errors.Errorf("unsupported file format: %s", ext),
		})
	}

	text, err := i.parseWithTempFile(parser, ext, data)
	if err != nil {
		var ingestErr *Error
		if errors.As(err, &ingestErr) {
			ingestErr.File = name
			return helpers.NewErrorResult[string](ingestErr)
		}
		return helpers.NewErrorResult[string](&Error{File: name, Reason: ReasonParse, Err: err})
	}

	return helpers.NewValueResult(text)
}

func (i *Ingester) parseWithTempFile(parser Parser, ext string, data []byte) (text string, err error) {
	f, err := os.CreateTemp(i.tempDir, "docassist-*"+ext)
	if err != nil {
		return "", newError(ReasonIO, errors.Wrap(err, "could not create temporary file"))
	}
	defer func() {
		_ = f.Close()
		if rmErr := os.Remove(f.Name()); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", f.Name()).Msg("could not remove temporary file")
		}
	}()

	if _, err = f.Write(data); err != nil {
		return "", newError(ReasonIO, errors.Wrap(err, "could not write temporary file"))
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return "", newError(ReasonIO, errors.Wrap(err, "could not rewind temporary file"))
	}

	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = newError(ReasonParse, errors.Errorf("%s parser panicked: %v", parser.Name(), r))
		}
	}()

	return parser.Parse(f, int64(len(data)))
}

// FileResult is the outcome of ingesting one file of a batch.
type FileResult struct {
	Name   string
	Result helpers.Result[string]
}

// Batch is the outcome of ingesting several files at once.
type Batch struct {
	// Context is the labeled concatenation of every successfully extracted file.
	Context string
	Files   []FileResult
}

// HasContext is false when nothing but whitespace was extracted, in which case
// the previous conversation context should be kept.
func (b Batch) HasContext() bool {
	return strings.TrimSpace(b.Context) != ""
}

func (b Batch) Failures() []*Error {
	var ret []*Error
	for _, f := range b.Files {
		if f.Result.Ok() {
			continue
		}
		var ingestErr *Error
		if errors.As(f.Result.Error(), &ingestErr) {
			ret = append(ret, ingestErr)
		} else {
			ret = append(ret, &Error{File: f.Name, Reason: ReasonParse, Err: f.Result.Error()})
		}
	}
	return ret
}

func (b Batch) Succeeded() int {
	n := 0
	for _, f := range b.Files {
		if f.Result.Ok() {
			n++
		}
	}
	return n
}

func DocumentHeader(name string) string {
	return "\n\n--- Document: " + name + " ---\n\n"
}

// IngestBatch extracts every file in order. A failing file is recorded and skipped.
func (i *Ingester) IngestBatch(ctx context.Context, files []File) Batch {
	var sb strings.Builder
	results := make([]FileResult, 0, len(files))

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			results = append(results, FileResult{
				Name:   f.Name,
				Result: helpers.NewErrorResult[string](&Error{File: f.Name, Reason: ReasonIO, Err: err}),
			})
			continue
		}

		r := i.Extract(f.Name, f.Data)
		results = append(results, FileResult{Name: f.Name, Result: r})

		name := f.Name
		section, err := helpers.MapResult(r, func(text string) string {
			return DocumentHeader(name) + text
		}).Value()
		if err != nil {
			log.Warn().Err(err).Str("file", f.Name).Msg("could not ingest document")
			continue
		}
		log.Debug().Str("file", f.Name).Int("chars", len(section)).Msg("extracted document text")
		sb.WriteString(section)
	}

	return Batch{Context: sb.String(), Files: results}
}

// ExpandPaths replaces arguments whose file name part is a glob pattern, like
// "reports/*.pdf", with the sorted regular files matching it. A pattern that
// matches nothing is an error. Other arguments are returned unchanged.
func ExpandPaths(args ...string) ([]string, error) {
	ret := make([]string, 0, len(args))
	for _, arg := range args {
		dir, pattern := filepath.Split(arg)
		if !strings.ContainsAny(pattern, "*?[") {
			ret = append(ret, arg)
			continue
		}

		searchDir := dir
		if searchDir == "" {
			searchDir = "."
		}
		entries, err := os.ReadDir(searchDir)
		if err != nil {
			return nil, errors.Wrapf(err, "could not expand %s", arg)
		}
		var matches []string
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			ok, err := glob.Match(pattern, e.Name())
			if err != nil {
				return nil, errors.Wrapf(err, "invalid pattern %s", arg)
			}
			if ok {
				matches = append(matches, dir+e.Name())
			}
		}
		if len(matches) == 0 {
			return nil, errors.Errorf("no files match %s", arg)
		}
		sort.Strings(matches)
		ret = append(ret, matches...)
	}
	return ret, nil
}

// ReadFiles loads files from disk, keeping only the base name. Glob patterns are
// expanded with ExpandPaths.
func ReadFiles(args ...string) ([]File, error) {
	paths, err := ExpandPaths(args...)
	if err != nil {
		return nil, err
	}
	ret := make([]File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read %s", p)
		}
		ret = append(ret, File{Name: filepath.Base(p), Data: data})
	}
	return ret, nil
}

// Preview returns the first n characters of the context, followed by "..." when cut.
func Preview(documentContext string, n int) string {
	if n <= 0 {
		n = DefaultPreviewChars
	}
	runes := []rune(documentContext)
	if len(runes) <= n {
		return documentContext
	}
	return string(runes[:n]) + "..."
}
