package ingest

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Source is what parsers read from. *os.File and *bytes.Reader both satisfy it.
type Source interface {
	io.Reader
	io.ReaderAt
	io.Seeker
}

type Parser interface {
	Name() string
	// Extensions lists the lower-case file extensions handled, including the dot.
	Extensions() []string
	Parse(src Source, size int64) (string, error)
}

func DefaultParsers() []Parser {
	return []Parser{
		&TextParser{},
		&PDFParser{},
		&WordParser{},
		&MarkdownParser{},
		&HTMLParser{},
	}
}

var ErrInvalidUTF8 = errors.New("file is not valid UTF-8 text")

type TextParser struct{}

func (p *TextParser) Name() string         { return "text" }
func (p *TextParser) Extensions() []string { return []string{".txt"} }

func (p *TextParser) Parse(src Source, size int64) (string, error) {
	content, err := io.ReadAll(src)
	if err != nil {
		return "", newError(ReasonIO, errors.Wrap(err, "could not read text file"))
	}
	if !utf8.Valid(content) {
		return "", newError(ReasonDecode, ErrInvalidUTF8)
	}
	return string(content), nil
}

type PDFParser struct{}

func (p *PDFParser) Name() string         { return "pdf" }
func (p *PDFParser) Extensions() []string { return []string{".pdf"} }

// Parse concatenates the text of every page, skipping pages without extractable text.
func (p *PDFParser) Parse(src Source, size int64) (string, error) {
	pdfReader, err := model.NewPdfReader(src)
	if err != nil {
		return "", newError(ReasonParse, errors.Wrap(err, "could not open PDF"))
	}

	encrypted, err := pdfReader.IsEncrypted()
	if err != nil {
		return "", newError(ReasonParse, errors.Wrap(err, "could not inspect PDF encryption"))
	}
	if encrypted {
		ok, err := pdfReader.Decrypt([]byte(""))
		if err != nil || !ok {
			return "", newError(ReasonParse, errors.New("PDF is password protected"))
		}
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return "", newError(ReasonParse, errors.Wrap(err, "could not count PDF pages"))
	}

	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err != nil {
			log.Debug().Err(err).Int("page", i).Msg("skipping unreadable PDF page")
			continue
		}
		ex, err := extractor.New(page)
		if err != nil {
			log.Debug().Err(err).Int("page", i).Msg("skipping PDF page")
			continue
		}
		pageText, err := ex.ExtractText()
		if err != nil {
			log.Debug().Err(err).Int("page", i).Msg("could not extract PDF page text")
			continue
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

type WordParser struct{}

func (p *WordParser) Name() string { return "docx" }

// Extensions only lists .docx, the legacy binary .doc format is not readable.
func (p *WordParser) Extensions() []string { return []string{".docx"} }

func (p *WordParser) Parse(src Source, size int64) (string, error) {
	doc, err := document.Read(src, size)
	if err != nil {
		return "", newError(ReasonParse, errors.Wrap(err, "could not open Word document"))
	}
	defer doc.Close()

	paragraphs := doc.Paragraphs()
	lines := make([]string, 0, len(paragraphs))
	for _, para := range paragraphs {
		var sb strings.Builder
		for _, run := range para.Runs() {
			sb.WriteString(run.Text())
		}
		lines = append(lines, sb.String())
	}

	return strings.Join(lines, "\n"), nil
}

type MarkdownParser struct{}

func (p *MarkdownParser) Name() string         { return "markdown" }
func (p *MarkdownParser) Extensions() []string { return []string{".md", ".markdown"} }

// Parse renders the markdown document to plain text, dropping markup and raw HTML.
func (p *MarkdownParser) Parse(src Source, size int64) (string, error) {
	source, err := io.ReadAll(src)
	if err != nil {
		return "", newError(ReasonIO, errors.Wrap(err, "could not read markdown file"))
	}
	if !utf8.Valid(source) {
		return "", newError(ReasonDecode, ErrInvalidUTF8)
	}

	root := goldmark.New().Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	endBlock := func() {
		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
	}

	err = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(node.Label(source))
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					segment := lines.At(i)
					buf.Write(segment.Value(source))
				}
				endBlock()
				return ast.WalkSkipChildren, nil
			}
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.TextBlock, *ast.ThematicBreak:
			if !entering {
				endBlock()
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", newError(ReasonParse, errors.Wrap(err, "could not walk markdown document"))
	}

	return strings.TrimRight(buf.String(), "\n"), nil
}

type HTMLParser struct{}

func (p *HTMLParser) Name() string         { return "html" }
func (p *HTMLParser) Extensions() []string { return []string{".html", ".htm"} }

// Parse returns the visible body text, one non-empty line per text line.
func (p *HTMLParser) Parse(src Source, size int64) (string, error) {
	doc, err := goquery.NewDocumentFromReader(src)
	if err != nil {
		return "", newError(ReasonParse, errors.Wrap(err, "could not parse HTML"))
	}
	doc.Find("script, style, noscript, template").Remove()

	raw := doc.Find("body").Text()
	lines := strings.Split(raw, "\n")
	ret := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			ret = append(ret, line)
		}
	}

	return strings.Join(ret, "\n"), nil
}
