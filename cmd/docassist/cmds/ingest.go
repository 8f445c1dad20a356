package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/docassist/pkg/ingest"
)

func NewIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <files or patterns>...",
		Short: "Extract text from documents the way a chat upload does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if err := ingest.ConfigureLicense(s.Ingest.UnidocLicenseKey); err != nil {
				return err
			}

			files, err := ingest.ReadFiles(args...)
			if err != nil {
				return err
			}
			batch := ingest.NewIngester(ingest.WithTempDir(s.Ingest.TempDir)).IngestBatch(cmd.Context(), files)
			for _, f := range batch.Failures() {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s (%s)\n", f.Error(), f.Reason)
			}
			if !batch.HasContext() {
				return errors.New("no text could be extracted")
			}

			text := batch.Context
			if preview, _ := cmd.Flags().GetInt("preview"); preview > 0 {
				text = ingest.Preview(text, preview)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().Int("preview", 0, "Only print the first N characters")
	return cmd
}
