package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/ingest"
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>...",
	Short: "Upload contract documents for processing",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, config.ModeEnqueue)
		if err != nil {
			return err
		}
		defer env.Close()

		g := env.Gateway()
		for _, path := range args {
			id, err := submitFile(cmd.Context(), g, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, filepath.Base(path))
		}
		return nil
	},
}

type submitter interface {
	Submit(ctx context.Context, up ingest.Upload) (string, error)
}

func submitFile(ctx context.Context, g submitter, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return g.Submit(ctx, ingest.Upload{
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Body:        f,
	})
}

func init() {
	rootCmd.AddCommand(submitCmd)
}
