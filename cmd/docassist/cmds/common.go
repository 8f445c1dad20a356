package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/docassist/pkg/session"
	"github.com/go-go-golems/docassist/pkg/settings"
)

func loadSettings() (*settings.Settings, error) {
	return settings.Load(viper.GetViper())
}

// markdownRenderer renders assistant answers for the terminal, or passes them through
// unchanged when stdout is not a terminal.
type markdownRenderer struct {
	renderer *glamour.TermRenderer
}

func newMarkdownRenderer(plain bool) *markdownRenderer {
	if plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		return &markdownRenderer{}
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		log.Debug().Err(err).Msg("could not create markdown renderer, printing plain text")
		return &markdownRenderer{}
	}
	return &markdownRenderer{renderer: r}
}

func (m *markdownRenderer) Render(s string) string {
	if m.renderer == nil {
		return s
	}
	out, err := m.renderer.Render(s)
	if err != nil {
		return s
	}
	return out
}

func printNotices(w io.Writer, notices []session.Notice) {
	for _, n := range notices {
		switch n.Level {
		case session.LevelError:
			_, _ = fmt.Fprintf(w, "error: %s\n", n.Message)
		case session.LevelWarning:
			_, _ = fmt.Fprintf(w, "warning: %s\n", n.Message)
		default:
			_, _ = fmt.Fprintln(w, n.Message)
		}
	}
}
