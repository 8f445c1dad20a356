package cmds

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/docassist/pkg/app"
	"github.com/go-go-golems/docassist/pkg/archive"
	"github.com/go-go-golems/docassist/pkg/conversation"
)

func NewArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived conversations",
	}
	cmd.AddCommand(
		newArchiveListCommand(),
		newArchiveShowCommand(),
		newArchiveExportCommand(),
		newArchiveRemoveCommand(),
	)
	return cmd
}

func withStore(f func(cmd *cobra.Command, store archive.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		store, err := app.NewStore(s)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()
		return f(cmd, store, args)
	}
}

func newArchiveListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store archive.Store, args []string) error {
			listing, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range listing.Problems {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s\n", p.String())
			}
			writeEntries(cmd.OutOrStdout(), listing.Entries)
			return nil
		}),
	}
}

func newArchiveShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print an archived conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store archive.Store, args []string) error {
			c, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := c.RenderMarkdown(&buf); err != nil {
				return err
			}
			plain, _ := cmd.Flags().GetBool("plain")
			_, err = fmt.Fprint(cmd.OutOrStdout(), newMarkdownRenderer(plain).Render(buf.String()))
			return err
		}),
	}
	cmd.Flags().Bool("plain", false, "Print markdown without terminal rendering")
	return cmd
}

func newArchiveExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export an archived conversation as JSON or markdown",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store archive.Store, args []string) error {
			c, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")

			if output == "" {
				return exportConversation(cmd.OutOrStdout(), c, format)
			}
			f, err := os.Create(output)
			if err != nil {
				return errors.Wrapf(err, "could not create %s", output)
			}
			return writeAndClose(f, func(w io.Writer) error {
				return exportConversation(w, c, format)
			})
		}),
	}
	cmd.Flags().String("format", "json", "Export format (json, markdown)")
	cmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	return cmd
}

// writeAndClose runs write on wc and closes it, reporting a failed close as a failed write.
func writeAndClose(wc io.WriteCloser, write func(w io.Writer) error) error {
	if err := write(wc); err != nil {
		_ = wc.Close()
		return err
	}
	return errors.Wrap(wc.Close(), "could not finish writing")
}

func exportConversation(w io.Writer, c *conversation.Conversation, format string) error {
	switch format {
	case "json":
		return c.ExportJSON(w)
	case "markdown", "md":
		return c.RenderMarkdown(w)
	default:
		return errors.Errorf("unknown export format %q", format)
	}
}

func newArchiveRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"delete"},
		Short:   "Delete archived conversations",
		Args:    cobra.MinimumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store archive.Store, args []string) error {
			for _, id := range args {
				if err := store.Delete(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		}),
	}
}
