package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/docassist/pkg/app"
	"github.com/go-go-golems/docassist/pkg/archive"
	"github.com/go-go-golems/docassist/pkg/events"
	"github.com/go-go-golems/docassist/pkg/ingest"
	"github.com/go-go-golems/docassist/pkg/session"
)

const chatHelp = `Type a message to ask about your documents. Commands:
  /upload <paths...>   extract text from files (or patterns like *.pdf) into the document context
  /preview             show the beginning of the document context
  /clear-context       drop the document context
  /title <text>        rename the conversation
  /model <id|label>    switch model
  /models              list configured models
  /search on|off       toggle web search
  /archive             list archived conversations
  /load <n|id>         load an archived conversation
  /new                 start a new conversation
  /export [path]       export the conversation (.json or .md)
  /help                show this help
  /quit                leave`

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with your documents in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			a, err := app.New(s)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			plain, _ := cmd.Flags().GetBool("plain")
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			r := &repl{
				handler:  a.Handler,
				out:      cmd.OutOrStdout(),
				renderer: newMarkdownRenderer(plain),
			}

			if !a.Handler.State().HasCredential() {
				key, err := askAPIKey()
				if err != nil {
					return err
				}
				if _, err := r.handle(ctx, session.SetCredential{APIKey: key}); err != nil {
					return err
				}
			}

			statusCtx, stopStatus := context.WithCancel(ctx)
			defer stopStatus()
			if err := printProgress(statusCtx, a.Bus, cmd.ErrOrStderr()); err != nil {
				log.Warn().Err(err).Msg("progress updates disabled")
			}

			_, _ = fmt.Fprintf(r.out, "%s (model %s). /help lists commands.\n",
				a.Handler.State().Active.Title(), a.Handler.State().Active.Model())
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().Bool("plain", false, "Print answers without markdown rendering")
	return cmd
}

func askAPIKey() (string, error) {
	ui := &input.UI{
		Writer: os.Stdout,
		Reader: os.Stdin,
	}
	key, err := ui.Ask("OpenRouter API key", &input.Options{
		Required:  true,
		Loop:      true,
		Mask:      true,
		HideOrder: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "could not read API key")
	}
	return strings.TrimSpace(key), nil
}

// printProgress mirrors the spinners of a graphical client with status lines.
func printProgress(ctx context.Context, bus *events.Bus, w io.Writer) error {
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for e := range ch {
			switch e.Type {
			case events.TypeSearchStarted:
				_, _ = fmt.Fprintln(w, "Searching the web...")
			case events.TypeCompletionStarted:
				_, _ = fmt.Fprintln(w, "Thinking...")
			case events.TypeDocumentsIngested:
				_, _ = fmt.Fprintf(w, "Processed documents (%s)\n", e.Message)
			}
		}
	}()
	return nil
}

type repl struct {
	handler  *session.Handler
	out      io.Writer
	renderer *markdownRenderer
	// listing is the last archive listing shown, so that /load accepts its row numbers.
	listing *archive.Listing
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		_, _ = fmt.Fprint(r.out, "> ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)

		quit, execErr := r.execute(ctx, strings.TrimSpace(line))
		if execErr != nil {
			return execErr
		}
		if quit || eof {
			return nil
		}
	}
}

func (r *repl) handle(ctx context.Context, cmd session.Command) (*session.Outcome, error) {
	o, err := r.handler.Handle(ctx, cmd)
	if err != nil {
		return nil, err
	}
	printNotices(r.out, o.Notices)
	return o, nil
}

// submit runs a message with its own interrupt handling so that ctrl-c aborts the
// request instead of the program.
func (r *repl) submit(ctx context.Context, text string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	o, err := r.handle(ctx, session.Submit{Text: text})
	if err != nil {
		return err
	}
	if o.Err == nil && o.Reply != nil {
		_, _ = fmt.Fprintln(r.out, r.renderer.Render(o.Reply.Content))
	}
	return nil
}

// execute runs one input line. It returns true when the user asked to quit.
func (r *repl) execute(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.submit(ctx, line)
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		_, _ = fmt.Fprintln(r.out, chatHelp)
	case "/upload":
		return false, r.upload(ctx, strings.Fields(rest))
	case "/preview":
		o, err := r.handle(ctx, session.PreviewContext{})
		if err != nil {
			return false, err
		}
		if o.Preview != "" {
			_, _ = fmt.Fprintln(r.out, o.Preview)
		}
	case "/clear-context":
		_, err := r.handle(ctx, session.ClearContext{})
		return false, err
	case "/title":
		o, err := r.handle(ctx, session.Rename{Title: rest})
		if err == nil && o.Err == nil {
			_, _ = fmt.Fprintf(r.out, "Renamed to %s\n", o.State.Active.Title())
		}
		return false, err
	case "/model":
		o, err := r.handle(ctx, session.SelectModel{Model: rest})
		if err == nil && o.Err == nil {
			_, _ = fmt.Fprintf(r.out, "Using %s\n", o.State.Active.Model())
		}
		return false, err
	case "/models":
		current := r.handler.State().Active.Model()
		for _, m := range r.handler.Models() {
			marker := " "
			if m.ID == current {
				marker = "*"
			}
			_, _ = fmt.Fprintf(r.out, "%s %s (%s)\n", marker, m.Label, m.ID)
		}
	case "/search":
		var enabled bool
		switch strings.ToLower(rest) {
		case "on", "true", "yes":
			enabled = true
		case "off", "false", "no":
			enabled = false
		default:
			_, _ = fmt.Fprintln(r.out, "usage: /search on|off")
			return false, nil
		}
		o, err := r.handle(ctx, session.SetWebSearch{Enabled: enabled})
		if err == nil {
			_, _ = fmt.Fprintf(r.out, "Web search: %t\n", o.State.WebSearch)
		}
		return false, err
	case "/archive":
		return false, r.showArchive(ctx)
	case "/load":
		return false, r.load(ctx, rest)
	case "/new":
		_, err := r.handle(ctx, session.NewChat{})
		return false, err
	case "/export":
		return false, r.export(ctx, rest)
	default:
		_, _ = fmt.Fprintf(r.out, "unknown command %s, /help lists commands\n", name)
	}
	return false, nil
}

func (r *repl) upload(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		_, _ = fmt.Fprintln(r.out, "usage: /upload <paths...>")
		return nil
	}
	files, err := ingest.ReadFiles(paths...)
	if err != nil {
		_, _ = fmt.Fprintf(r.out, "error: %v\n", err)
		return nil
	}
	_, err = r.handle(ctx, session.ProcessDocuments{Files: files})
	return err
}

func (r *repl) showArchive(ctx context.Context) error {
	o, err := r.handle(ctx, session.ListArchive{})
	if err != nil || o.Archive == nil {
		return err
	}
	r.listing = o.Archive
	if len(o.Archive.Entries) == 0 {
		_, _ = fmt.Fprintln(r.out, "No archived conversations")
		return nil
	}
	writeEntries(r.out, o.Archive.Entries)
	return nil
}

func writeEntries(w io.Writer, entries []archive.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "#\tTITLE\tMODEL\tTURNS\tSAVED\tID")
	for i, e := range entries {
		saved := "-"
		if !e.SavedAt.IsZero() {
			saved = e.SavedAt.Local().Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", i+1, e.Title, e.Model, e.Turns, saved, e.ID)
	}
	_ = tw.Flush()
}

func (r *repl) load(ctx context.Context, ref string) error {
	if ref == "" {
		_, _ = fmt.Fprintln(r.out, "usage: /load <n|id>")
		return nil
	}
	id := ref
	if n, err := strconv.Atoi(ref); err == nil && r.listing != nil && n >= 1 && n <= len(r.listing.Entries) {
		id = r.listing.Entries[n-1].ID
	}
	o, err := r.handle(ctx, session.LoadArchived{ID: id})
	if err != nil || o.Err != nil {
		return err
	}
	for _, t := range o.State.Active.Turns() {
		_, _ = fmt.Fprintf(r.out, "[%s]: %s\n", t.Role, t.Content)
	}
	return nil
}

func (r *repl) export(ctx context.Context, path string) error {
	format := session.ExportJSON
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".md" || ext == ".markdown" {
		format = session.ExportMarkdown
	}
	o, err := r.handle(ctx, session.Export{Format: format})
	if err != nil || o.Err != nil {
		return err
	}
	if path == "" {
		path = o.Export.Filename
	}
	if err := os.WriteFile(path, o.Export.Data, 0o644); err != nil {
		_, _ = fmt.Fprintf(r.out, "error: could not write %s: %v\n", path, err)
		return nil
	}
	_, _ = fmt.Fprintf(r.out, "Exported to %s\n", path)
	return nil
}
