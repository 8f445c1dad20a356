package cmds

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/docassist/pkg/app"
	"github.com/go-go-golems/docassist/pkg/search"
)

func NewSearchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>...",
		Short: "Show the web search block that a chat message would receive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			provider, err := app.NewSearchProvider(s)
			if err != nil {
				return err
			}
			helper := search.NewHelper(provider,
				search.WithTriggers(s.Chat.SearchTriggers...),
				search.WithMaxRelated(s.Search.MaxRelated),
			)

			outcome := helper.Lookup(cmd.Context(), strings.Join(args, " "))
			_, err = fmt.Fprint(cmd.OutOrStdout(), outcome.Text)
			if err != nil {
				return err
			}
			if !strings.HasSuffix(outcome.Text, "\n") {
				_, _ = fmt.Fprintln(cmd.OutOrStdout())
			}
			// the text already describes the failure, the error only sets the exit code
			return outcome.Err
		},
	}
}
